package email

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// Filter applies the attachment acceptance policy: a file larger than the
// total budget or with a disallowed extension is skipped (the send
// continues without it); once the cumulative budget is exhausted no further
// files are considered. Checks run in that order, mirroring how uploads are
// consumed.
func Filter(in []Attachment, maxTotalBytes int64, allowed func(ext string) bool) []Attachment {
	var out []Attachment
	var total int64

	for _, att := range in {
		size := int64(len(att.Content))
		if size > maxTotalBytes {
			slog.Debug("attachment skipped: over size cap", "filename", att.Filename, "size", size)
			continue
		}
		if total+size > maxTotalBytes {
			slog.Debug("attachment budget exhausted", "filename", att.Filename)
			break
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(att.Filename), "."))
		if !allowed(ext) {
			slog.Debug("attachment skipped: extension not allowed", "filename", att.Filename, "ext", ext)
			continue
		}

		out = append(out, att)
		total += size
	}
	return out
}

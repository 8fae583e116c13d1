package email

import (
	"strings"

	"golang.org/x/net/html"
)

// StripTags derives the plain-text rendering of an HTML fragment: markup is
// removed, script and style contents are dropped, and text runs are joined
// as-is. Malformed markup never fails; the tokenizer consumes what it can.
func StripTags(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))

	var b strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

// skippedTag reports whether a tag's contents carry no human-readable text.
func skippedTag(name string) bool {
	return name == "script" || name == "style"
}

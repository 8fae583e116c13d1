// Package email assembles the MIME test message sent through a probed
// server: a multipart/alternative plain+HTML body, wrapped in
// multipart/mixed when attachments are present.
package email

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment is one file part of an outgoing message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message holds everything needed to build the RFC 5322 payload.
type Message struct {
	FromEmail   string
	FromName    string
	ReplyTo     string
	To          string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Build renders the complete message: headers, the plain+HTML alternative
// group, and base64 file parts when attachments exist. The plain part is
// the HTML body with markup stripped.
func (m *Message) Build() []byte {
	var b strings.Builder

	from := m.FromEmail
	if m.FromName != "" {
		from = fmt.Sprintf("%q <%s>", m.FromName, m.FromEmail)
	}

	altBoundary := newBoundary()
	mixedBoundary := ""
	if len(m.Attachments) > 0 {
		mixedBoundary = newBoundary()
	}

	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + m.To + "\r\n")
	b.WriteString("Subject: " + m.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	if m.ReplyTo != "" {
		b.WriteString("Reply-To: " + m.ReplyTo + "\r\n")
	}

	if mixedBoundary != "" {
		b.WriteString("Content-Type: multipart/mixed; boundary=\"" + mixedBoundary + "\"\r\n\r\n")
		b.WriteString("--" + mixedBoundary + "\r\n")
		b.WriteString("Content-Type: multipart/alternative; boundary=\"" + altBoundary + "\"\r\n\r\n")
	} else {
		b.WriteString("Content-Type: multipart/alternative; boundary=\"" + altBoundary + "\"\r\n\r\n")
	}

	// Plain text rendering first, HTML second; mail clients prefer the last
	// part they understand.
	b.WriteString("--" + altBoundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(StripTags(m.HTMLBody) + "\r\n")

	b.WriteString("--" + altBoundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(m.HTMLBody + "\r\n")

	b.WriteString("--" + altBoundary + "--\r\n")

	if mixedBoundary != "" {
		for _, att := range m.Attachments {
			b.WriteString("--" + mixedBoundary + "\r\n")
			b.WriteString("Content-Type: application/octet-stream; name=\"" + att.Filename + "\"\r\n")
			b.WriteString("Content-Disposition: attachment; filename=\"" + att.Filename + "\"\r\n")
			b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			b.WriteString(wrapBase64(att.Content))
		}
		b.WriteString("--" + mixedBoundary + "--\r\n")
	}

	return []byte(b.String())
}

// newBoundary returns a random MIME boundary token.
func newBoundary() string {
	return "=-" + uuid.NewString()
}

// wrapBase64 encodes content with lines folded at 76 characters, each
// CRLF terminated.
func wrapBase64(content []byte) string {
	encoded := base64.StdEncoding.EncodeToString(content)

	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		b.WriteString(encoded + "\r\n")
	}
	return b.String()
}

// Package request normalizes and validates the raw form input of the test
// and send endpoints. Validation is all-or-nothing: no partially populated
// value is ever returned alongside an error.
package request

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/shineum/smtp-probe/internal/smtp"
)

// Form is the raw key/value input of a request.
type Form map[string]string

// Get returns the trimmed value for key, or "" when absent.
func (f Form) Get(key string) string {
	return strings.TrimSpace(f[key])
}

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Config is a validated SMTP profile plus the sender identity.
type Config struct {
	Server    smtp.ServerConfig
	FromEmail string
	FromName  string
	ReplyTo   string
}

// Email is a validated send request.
type Email struct {
	Recipient string
	Subject   string
	HTMLBody  string
}

// defaultSubject is used when the form omits email_subject.
const defaultSubject = "Test Email"

// ParseConfig validates connection parameters in a fixed order: required
// presence, port range, from_email format, reply_to format. The first
// failure wins.
func ParseConfig(form Form) (*Config, error) {
	for _, field := range []string{"smtp_host", "smtp_port", "from_email"} {
		if form.Get(field) == "" {
			return nil, &ValidationError{Field: field, Reason: "required field is missing"}
		}
	}

	port, err := strconv.Atoi(form.Get("smtp_port"))
	if err != nil || port < 1 || port > 65535 {
		return nil, &ValidationError{Field: "smtp_port", Reason: "must be a number between 1 and 65535"}
	}

	fromEmail := form.Get("from_email")
	if !validEmail(fromEmail) {
		return nil, &ValidationError{Field: "from_email", Reason: "not a valid email address"}
	}

	replyTo := form.Get("reply_to")
	if replyTo != "" && !validEmail(replyTo) {
		return nil, &ValidationError{Field: "reply_to", Reason: "not a valid email address"}
	}

	mode := smtp.AuthMode(strings.ToLower(form.Get("smtp_auth")))
	if mode == "" {
		mode = smtp.AuthAuto
	}
	if !smtp.ValidAuthMode(mode) {
		return nil, &ValidationError{Field: "smtp_auth", Reason: "must be one of auto, ssl, tls, none"}
	}

	return &Config{
		Server: smtp.ServerConfig{
			Host:     form.Get("smtp_host"),
			Port:     port,
			Username: form.Get("smtp_username"),
			Password: form["smtp_password"], // passwords keep their whitespace
			AuthMode: mode,
		},
		FromEmail: fromEmail,
		FromName:  form.Get("from_name"),
		ReplyTo:   replyTo,
	}, nil
}

// ParseEmail validates the message fields of a send request.
func ParseEmail(form Form) (*Email, error) {
	recipient := form.Get("recipient_email")
	if recipient == "" {
		return nil, &ValidationError{Field: "recipient_email", Reason: "required field is missing"}
	}
	if !validEmail(recipient) {
		return nil, &ValidationError{Field: "recipient_email", Reason: "not a valid email address"}
	}

	subject := form.Get("email_subject")
	if subject == "" {
		subject = defaultSubject
	}

	return &Email{
		Recipient: recipient,
		Subject:   subject,
		HTMLBody:  form["email_message"],
	}, nil
}

// validEmail reports whether addr is a bare RFC 5322 address (no display
// name, no angle brackets).
func validEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Address == addr
}

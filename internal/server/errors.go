package server

import (
	"errors"
	"regexp"

	"github.com/gofiber/fiber/v2"

	"github.com/shineum/smtp-probe/internal/request"
	"github.com/shineum/smtp-probe/internal/smtp"
)

// statusFor maps an operation error to an HTTP status: client-correctable
// failures (bad input, SMTP-layer rejections) are 400, rate limiting is
// 429, and anything unrecognized is a system failure.
func statusFor(err error) int {
	if errors.Is(err, ErrRateLimited) {
		return fiber.StatusTooManyRequests
	}

	var (
		validationErr *request.ValidationError
		connErr       *smtp.ConnectionError
		protoErr      *smtp.ProtocolError
		authErr       *smtp.AuthError
		tlsErr        *smtp.TLSError
		timeoutErr    *smtp.TimeoutError
	)
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &connErr),
		errors.As(err, &protoErr),
		errors.As(err, &authErr),
		errors.As(err, &tlsErr),
		errors.As(err, &timeoutErr):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// Patterns matching credential material that may be embedded in server
// replies or driver errors.
var (
	passwordPattern = regexp.MustCompile(`(?i)password[^:]*:[^;]*`)
	authPattern     = regexp.MustCompile(`(?i)auth[^:]*:[^;]*`)
)

// redact removes credential material from a message before it becomes part
// of a user-visible response.
func redact(message string) string {
	message = passwordPattern.ReplaceAllString(message, "password: [HIDDEN]")
	message = authPattern.ReplaceAllString(message, "auth: [HIDDEN]")
	return message
}

package smtp

import (
	"fmt"
	"strings"
)

// ConnectionError reports a DNS, TCP, or implicit-TLS dial failure.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an SMTP reply whose code was not in the accepted set.
type ProtocolError struct {
	// Expected lists the accepted reply codes for the command.
	Expected []string
	// Actual is the 3-digit code of the final reply line.
	Actual string
	// Reply is the full server reply text.
	Reply string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected SMTP reply: expected %s, got %s - %s",
		strings.Join(e.Expected, "/"), e.Actual, e.Reply)
}

// AuthError reports a rejected AUTH exchange. Reply carries the server's
// literal response; callers must redact it before showing it to users.
type AuthError struct {
	Reply string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reply)
}

// TLSError reports a failed STARTTLS negotiation or handshake. The session
// is never continued in plaintext after a TLS failure.
type TLSError struct {
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("TLS negotiation failed: %v", e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// TimeoutError reports that a single SMTP step exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Package smtp implements the client side of a raw SMTP test conversation:
// connect, greet, EHLO, optional STARTTLS upgrade, AUTH LOGIN, the mail
// transaction, and QUIT. Each step blocks until the server replies or the
// per-command deadline expires; nothing is pipelined.
package smtp

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-probe/internal/tlsutil"
)

// AuthMode selects the encryption policy for a connection.
type AuthMode string

// Supported auth modes. Auto derives the policy from the port: 465 means
// implicit TLS, everything else attempts a STARTTLS upgrade.
const (
	AuthAuto AuthMode = "auto"
	AuthSSL  AuthMode = "ssl"
	AuthTLS  AuthMode = "tls"
	AuthNone AuthMode = "none"
)

// ValidAuthMode reports whether m is one of the supported auth modes.
func ValidAuthMode(m AuthMode) bool {
	switch m {
	case AuthAuto, AuthSSL, AuthTLS, AuthNone:
		return true
	}
	return false
}

// ServerConfig identifies the SMTP server under test.
type ServerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	AuthMode AuthMode
}

// Addr returns the host:port dial address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// implicitTLS reports whether the connection is TLS from the first byte.
func (s ServerConfig) implicitTLS() bool {
	return s.AuthMode == AuthSSL || (s.AuthMode == AuthAuto && s.Port == 465)
}

// wantsSTARTTLS reports whether the session should attempt a plaintext-then-
// upgrade sequence after EHLO.
func (s ServerConfig) wantsSTARTTLS() bool {
	return s.AuthMode == AuthTLS || (s.AuthMode == AuthAuto && s.Port != 465)
}

// Options carries client-side tunables shared by every session.
type Options struct {
	// ConnectTimeout bounds the TCP (or implicit TLS) dial.
	ConnectTimeout time.Duration

	// CommandTimeout bounds each single command/reply exchange.
	CommandTimeout time.Duration

	// ClientHostname is the name announced in EHLO.
	ClientHostname string

	// TLSConfig, when set, overrides the default client TLS configuration.
	// Used by tests to trust self-signed fake servers.
	TLSConfig *tls.Config

	// Debug, when set, receives a human-readable trace of the conversation.
	// Credentials are never passed to it.
	Debug func(format string, args ...any)
}

func (o Options) debugf(format string, args ...any) {
	if o.Debug != nil {
		o.Debug(format, args...)
	}
}

func (o Options) tlsConfig(host string) *tls.Config {
	if o.TLSConfig != nil {
		cfg := o.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return tlsutil.ClientConfig(host)
}

// Client is a single SMTP session: one TCP/TLS stream plus the protocol
// state accumulated so far. Create one per test or send and close it after
// Quit or on the first unrecoverable error.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	server ServerConfig
	opts   Options

	tlsActive bool
	starttls  bool // server advertised STARTTLS in EHLO
	closed    bool
}

// Dial opens a session to the configured server and runs it through the
// greeting, EHLO, and (per policy) the STARTTLS upgrade. On return the
// session is ready for Authenticate or SendMail. Any error closes the
// stream before returning.
func Dial(server ServerConfig, opts Options) (*Client, error) {
	if opts.ClientHostname == "" {
		opts.ClientHostname = "localhost"
	}

	addr := server.Addr()
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	var conn net.Conn
	var err error
	if server.implicitTLS() {
		opts.debugf("connecting to %s (implicit TLS)", addr)
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, opts.tlsConfig(server.Host))
	} else {
		opts.debugf("connecting to %s (plaintext)", addr)
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "connect", Err: err}
		}
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		server:    server,
		opts:      opts,
		tlsActive: server.implicitTLS(),
	}

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake reads the banner, introduces the client, and upgrades to TLS
// when the policy asks for it.
func (c *Client) handshake() error {
	// The banner is unsolicited; everything else is command/reply.
	if _, err := c.cmd("", "greeting", "220"); err != nil {
		return err
	}

	if err := c.ehlo(); err != nil {
		return err
	}

	if !c.tlsActive && c.server.wantsSTARTTLS() {
		// Only attempt the upgrade when the server offers it or the port
		// conventionally supports it.
		if c.starttls || c.server.Port == 587 || c.server.Port == 25 {
			if err := c.startTLS(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ehlo sends EHLO and records advertised capabilities. Some servers greet
// EHLO with a nonstandard 220, which is tolerated.
func (c *Client) ehlo() error {
	reply, err := c.cmd("EHLO "+c.opts.ClientHostname, "EHLO", "250", "220")
	if err != nil {
		return err
	}
	c.starttls = false
	for _, line := range reply.Lines {
		if strings.EqualFold(strings.TrimSpace(line), "STARTTLS") {
			c.starttls = true
		}
	}
	return nil
}

// startTLS upgrades the existing plaintext stream in place. A failure is
// terminal: the session must not fall back to plaintext authentication.
func (c *Client) startTLS() error {
	if _, err := c.cmd("STARTTLS", "STARTTLS", "220"); err != nil {
		return &TLSError{Err: err}
	}

	tlsConn := tls.Client(c.conn, c.opts.tlsConfig(c.server.Host))
	c.applyDeadline()
	if err := tlsConn.Handshake(); err != nil {
		return &TLSError{Err: err}
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tlsActive = true
	c.opts.debugf("TLS handshake complete")

	// Many servers require a fresh EHLO after the upgrade.
	return c.ehlo()
}

// Authenticate performs AUTH LOGIN with the configured credentials. It is a
// no-op when either the username or the password is empty.
func (c *Client) Authenticate() error {
	user, pass := c.server.Username, c.server.Password
	if user == "" || pass == "" {
		return nil
	}

	if reply, err := c.cmd("AUTH LOGIN", "AUTH LOGIN", "334"); err != nil {
		return authErr(err, reply)
	}

	encUser := base64.StdEncoding.EncodeToString([]byte(user))
	c.opts.debugf("sending AUTH LOGIN username")
	if reply, err := c.cmdRedacted(encUser, "AUTH username", "334"); err != nil {
		return authErr(err, reply)
	}

	encPass := base64.StdEncoding.EncodeToString([]byte(pass))
	c.opts.debugf("sending AUTH LOGIN password")
	if reply, err := c.cmdRedacted(encPass, "AUTH password", "235"); err != nil {
		return authErr(err, reply)
	}
	return nil
}

// authErr converts a protocol failure during AUTH into an AuthError carrying
// the server's literal response. Transport errors pass through unchanged.
func authErr(err error, reply Reply) error {
	if _, ok := err.(*ProtocolError); ok {
		return &AuthError{Reply: reply.Raw}
	}
	return err
}

// SendMail runs the full mail transaction: MAIL FROM, RCPT TO, DATA, the
// dot-stuffed message body, and the final submission reply. The transaction
// aborts on the first rejected step; in particular a rejected recipient
// means DATA is never issued.
func (c *Client) SendMail(from, to string, msg []byte) error {
	if _, err := c.cmd(fmt.Sprintf("MAIL FROM:<%s>", from), "MAIL FROM", "250"); err != nil {
		return err
	}
	if _, err := c.cmd(fmt.Sprintf("RCPT TO:<%s>", to), "RCPT TO", "250"); err != nil {
		return err
	}
	if _, err := c.cmd("DATA", "DATA", "354"); err != nil {
		return err
	}

	c.opts.debugf("streaming message body (%d bytes)", len(msg))
	c.applyDeadline()
	if _, err := c.conn.Write(dotStuff(msg)); err != nil {
		return c.transportErr("DATA body", err)
	}
	if _, err := c.readReply("DATA body", []string{"250"}); err != nil {
		return err
	}
	return nil
}

// Quit ends the session politely and closes the stream regardless of how
// the server answers.
func (c *Client) Quit() error {
	_, err := c.cmd("QUIT", "QUIT", "221")
	c.Close()
	return err
}

// Close closes the underlying stream. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// TLSActive reports whether the stream is currently encrypted.
func (c *Client) TLSActive() bool { return c.tlsActive }

// cmd writes command (when non-empty), reads the reply, and checks its code
// against the accepted set. op names the step for errors and traces.
func (c *Client) cmd(command, op string, accept ...string) (Reply, error) {
	if command != "" {
		c.opts.debugf("SMTP command: %s", command)
		c.applyDeadline()
		if _, err := c.conn.Write([]byte(command + "\r\n")); err != nil {
			return Reply{}, c.transportErr(op, err)
		}
	}
	return c.readReply(op, accept)
}

// cmdRedacted is cmd for lines that must never appear in traces or logs
// (base64 credentials).
func (c *Client) cmdRedacted(line, op string, accept ...string) (Reply, error) {
	c.applyDeadline()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return Reply{}, c.transportErr(op, err)
	}
	return c.readReply(op, accept)
}

// Reply is a parsed SMTP server reply, possibly multi-line.
type Reply struct {
	// Code is the 3-digit numeric prefix of the final line.
	Code string
	// Lines holds the text of each line with the code prefix stripped.
	Lines []string
	// Raw is the complete reply as received, CRLF trimmed per line.
	Raw string
}

// readReply reads one complete server reply. A reply is complete when a
// line's 4th character is a space (or the line is a bare code), as opposed
// to the CODE-text continuation form.
func (c *Client) readReply(op string, accept []string) (Reply, error) {
	var reply Reply
	var raw []string

	for {
		c.applyDeadline()
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return reply, c.transportErr(op, err)
		}
		line = strings.TrimRight(line, "\r\n")
		raw = append(raw, line)

		if len(line) >= 4 {
			reply.Lines = append(reply.Lines, line[4:])
		}
		if len(line) == 3 || (len(line) >= 4 && line[3] == ' ') {
			reply.Code = line[:3]
			break
		}
	}
	reply.Raw = strings.Join(raw, "\n")
	c.opts.debugf("SMTP reply: %s", reply.Raw)
	slog.Debug("smtp reply", "op", op, "code", reply.Code)

	for _, code := range accept {
		if reply.Code == code {
			return reply, nil
		}
	}
	return reply, &ProtocolError{Expected: accept, Actual: reply.Code, Reply: reply.Raw}
}

// applyDeadline arms the per-command deadline on the stream.
func (c *Client) applyDeadline() {
	if c.opts.CommandTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.opts.CommandTimeout))
	}
}

// transportErr classifies a read/write failure as a timeout or a connection
// error.
func (c *Client) transportErr(op string, err error) error {
	if isTimeout(err) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectionError{Addr: c.server.Addr(), Err: err}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// dotStuff normalizes msg to CRLF line endings, escapes leading dots, and
// appends the <CRLF>.<CRLF> terminator.
func dotStuff(msg []byte) []byte {
	text := string(msg)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var b strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			b.WriteString(".")
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}

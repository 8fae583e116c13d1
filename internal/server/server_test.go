package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/ratelimit"
	"github.com/shineum/smtp-probe/internal/smtp"
)

// fakeSMTP accepts any number of sessions and speaks a permissive SMTP
// dialect: every command succeeds, except RCPT TO for addresses containing
// "reject", which gets a 550.
func fakeSMTP(t *testing.T) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSession(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveSession(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	write := func(line string) { conn.Write([]byte(line + "\r\n")) }
	write("220 mail.test ESMTP ready")

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "EHLO"):
			write("250 mail.test")
		case strings.HasPrefix(line, "MAIL FROM:"):
			write("250 OK")
		case strings.HasPrefix(line, "RCPT TO:"):
			if strings.Contains(line, "reject") {
				write("550 5.1.1 No such user")
			} else {
				write("250 OK")
			}
		case line == "DATA":
			write("354 End data with <CRLF>.<CRLF>")
			for {
				data, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(data, "\r\n") == "." {
					break
				}
			}
			write("250 OK queued")
		case line == "QUIT":
			write("221 Bye")
			return
		default:
			write("250 OK")
		}
	}
}

// newTestApp wires a full application around the fake server's limiter.
func newTestApp(t *testing.T, limiter ratelimit.Limiter) *fiber.App {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SMTP.ConnectTimeout = 2 * time.Second
	cfg.SMTP.CommandTimeout = 2 * time.Second

	runner := NewRunner(cfg, nil, limiter, smtp.Options{ClientHostname: "probe.test"})
	return New(runner)
}

// postForm submits an urlencoded POST and decodes the JSON reply.
func postForm(t *testing.T, app *fiber.App, path string, form url.Values) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "response was not JSON: %s", raw)
	return resp.StatusCode, body
}

func testForm(host string, port int) url.Values {
	return url.Values{
		"smtp_host":  {host},
		"smtp_port":  {strconv.Itoa(port)},
		"smtp_auth":  {"none"},
		"from_email": {"sender@example.com"},
	}
}

func TestTestEndpoint_Success(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.Unlimited{})

	status, body := postForm(t, app, "/smtp/test", testForm(host, port))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "SMTP connection successful", body["message"])
	assert.Equal(t, net.JoinHostPort(host, strconv.Itoa(port)), body["server"])

	elapsed, ok := body["connection_time"].(float64)
	assert.True(t, ok, "connection_time = %#v, want a JSON number", body["connection_time"])
	assert.GreaterOrEqual(t, elapsed, 0.0)

	_, hasTrace := body["debug_logs"]
	assert.False(t, hasTrace, "debug_logs present without debug_mode")
}

func TestTestEndpoint_ValidationFailsBeforeDialing(t *testing.T) {
	// No SMTP server exists; a validation failure must never reach the
	// network.
	app := newTestApp(t, ratelimit.Unlimited{})

	form := testForm("", 0)
	form.Del("smtp_host")
	form.Set("smtp_port", "587")

	status, body := postForm(t, app, "/smtp/test", form)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "smtp_host")
}

func TestTestEndpoint_RateLimited(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.NewMemory(1, time.Hour))

	status, _ := postForm(t, app, "/smtp/test", testForm(host, port))
	require.Equal(t, http.StatusOK, status)

	status, body := postForm(t, app, "/smtp/test", testForm(host, port))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, false, body["success"])
}

func TestTestEndpoint_DebugTrace(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.Unlimited{})

	form := testForm(host, port)
	form.Set("debug_mode", "1")

	status, body := postForm(t, app, "/smtp/test", form)

	require.Equal(t, http.StatusOK, status)
	lines, ok := body["debug_logs"].([]any)
	require.True(t, ok, "debug_logs = %#v, want an array", body["debug_logs"])
	assert.NotEmpty(t, lines)
}

func TestTestEndpoint_UnreachableServer(t *testing.T) {
	// Reserve a port with nothing behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	app := newTestApp(t, ratelimit.Unlimited{})

	status, body := postForm(t, app, "/smtp/test", testForm("127.0.0.1", port))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

func TestSendEndpoint_Success(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.Unlimited{})

	form := testForm(host, port)
	form.Set("recipient_email", "rcpt@example.com")
	form.Set("email_subject", "Hello")
	form.Set("email_message", "<b>hi</b>")

	status, body := postForm(t, app, "/smtp/send", form)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Email sent successfully", body["message"])
	assert.Equal(t, "rcpt@example.com", body["recipient"])
	assert.Equal(t, float64(0), body["attachments"])

	_, ok := body["send_time"].(float64)
	assert.True(t, ok, "send_time = %#v, want a JSON number", body["send_time"])
}

func TestSendEndpoint_DefaultSubject(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.Unlimited{})

	form := testForm(host, port)
	form.Set("recipient_email", "rcpt@example.com")

	status, body := postForm(t, app, "/smtp/send", form)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestSendEndpoint_RejectedRecipient(t *testing.T) {
	host, port := fakeSMTP(t)
	app := newTestApp(t, ratelimit.Unlimited{})

	form := testForm(host, port)
	form.Set("recipient_email", "reject@example.com")

	status, body := postForm(t, app, "/smtp/send", form)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "550")
}

func TestSendEndpoint_MissingRecipient(t *testing.T) {
	app := newTestApp(t, ratelimit.Unlimited{})

	status, body := postForm(t, app, "/smtp/send", testForm("127.0.0.1", 2525))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "recipient_email")
}

func TestOptionsProbe(t *testing.T) {
	app := newTestApp(t, ratelimit.Unlimited{})

	for _, path := range []string{"/smtp/test", "/smtp/send"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		resp, err := app.Test(req, 5000)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "OPTIONS %s", path)
	}
}

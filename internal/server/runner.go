// Package server exposes the SMTP probe over HTTP and orchestrates each
// request: validation, rate limiting, the SMTP session itself, and
// best-effort result persistence.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/proxy"
	"github.com/shineum/smtp-probe/internal/ratelimit"
	"github.com/shineum/smtp-probe/internal/request"
	"github.com/shineum/smtp-probe/internal/smtp"
	"github.com/shineum/smtp-probe/internal/store"
)

// ErrRateLimited is returned when an IP has exceeded its request budget.
var ErrRateLimited = errors.New("rate limit exceeded, please try again later")

// Runner executes test and send operations. One Runner serves all
// requests; per-request state lives in the arguments and the trace.
type Runner struct {
	cfg     *config.Config
	store   *store.Store // nil when persistence is not configured
	limiter ratelimit.Limiter
	proxies *proxy.Selector

	// smtpOpts is the base for every session; tests override TLSConfig.
	smtpOpts smtp.Options
}

// NewRunner wires a Runner. st may be nil for database-less operation.
func NewRunner(cfg *config.Config, st *store.Store, limiter ratelimit.Limiter, smtpOpts smtp.Options) *Runner {
	r := &Runner{
		cfg:      cfg,
		store:    st,
		limiter:  limiter,
		smtpOpts: smtpOpts,
	}
	if cfg.Proxy.Enabled {
		r.proxies = proxy.NewSelector(cfg.Proxy.File)
	}
	return r
}

// Meta carries per-request context the orchestration needs.
type Meta struct {
	ClientIP  string
	UserAgent string
	Debug     bool
}

// TestResult is the outcome of a successful connection test.
type TestResult struct {
	ConnectionTimeMs float64
	Server           string
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	SendTimeMs      float64
	Recipient       string
	AttachmentCount int
}

// Test validates the config, applies the rate limit, and runs a handshake
// plus authentication against the target server. No mail transaction is
// issued.
func (r *Runner) Test(ctx context.Context, form request.Form, meta Meta, tr *Trace) (*TestResult, error) {
	cfg, err := request.ParseConfig(form)
	if err != nil {
		return nil, err
	}

	if !r.limiter.Allow(ctx, meta.ClientIP) {
		return nil, ErrRateLimited
	}

	r.noteProxy(tr)

	start := time.Now()
	client, err := smtp.Dial(cfg.Server, r.sessionOpts(tr))
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(); err != nil {
		client.Close()
		return nil, err
	}
	r.quit(client, tr)
	elapsed := roundMillis(time.Since(start))

	tr.Addf("connection test completed in %.2fms", elapsed)
	r.persistConfig(ctx, cfg, elapsed, meta)

	return &TestResult{
		ConnectionTimeMs: elapsed,
		Server:           cfg.Server.Addr(),
	}, nil
}

// Send validates config and message, applies the rate limit, builds the
// MIME payload, and runs the full transaction. The attempt is logged
// whether it succeeds or fails; a logging failure never alters the result.
func (r *Runner) Send(ctx context.Context, form request.Form, files []email.Attachment, meta Meta, tr *Trace) (*SendResult, error) {
	cfg, err := request.ParseConfig(form)
	if err != nil {
		return nil, err
	}
	mail, err := request.ParseEmail(form)
	if err != nil {
		return nil, err
	}

	if !r.limiter.Allow(ctx, meta.ClientIP) {
		return nil, ErrRateLimited
	}

	r.noteProxy(tr)

	accepted := email.Filter(files, r.cfg.Attachments.MaxTotalBytes, r.cfg.AllowedExtension)
	if len(files) > len(accepted) {
		tr.Addf("%d of %d attachments accepted", len(accepted), len(files))
	}

	msg := (&email.Message{
		FromEmail:   cfg.FromEmail,
		FromName:    cfg.FromName,
		ReplyTo:     cfg.ReplyTo,
		To:          mail.Recipient,
		Subject:     mail.Subject,
		HTMLBody:    mail.HTMLBody,
		Attachments: accepted,
	}).Build()

	start := time.Now()
	sendErr := r.transact(cfg, mail.Recipient, msg, tr)
	elapsed := roundMillis(time.Since(start))

	r.persistSendLog(ctx, cfg, mail, len(accepted), elapsed, sendErr, meta)

	if sendErr != nil {
		return nil, sendErr
	}
	tr.Addf("email sent in %.2fms", elapsed)

	return &SendResult{
		SendTimeMs:      elapsed,
		Recipient:       mail.Recipient,
		AttachmentCount: len(accepted),
	}, nil
}

// transact runs one complete SMTP send session.
func (r *Runner) transact(cfg *request.Config, recipient string, msg []byte, tr *Trace) error {
	client, err := smtp.Dial(cfg.Server, r.sessionOpts(tr))
	if err != nil {
		return err
	}
	if err := client.Authenticate(); err != nil {
		client.Close()
		return err
	}
	if err := client.SendMail(cfg.FromEmail, recipient, msg); err != nil {
		client.Close()
		return err
	}
	r.quit(client, tr)
	return nil
}

// quit ends the session politely; the reply no longer affects the outcome.
func (r *Runner) quit(client *smtp.Client, tr *Trace) {
	if err := client.Quit(); err != nil {
		tr.Addf("QUIT: %v", err)
		slog.Debug("smtp quit", "error", err)
	}
}

// sessionOpts binds the shared SMTP options to this request's trace.
func (r *Runner) sessionOpts(tr *Trace) smtp.Options {
	opts := r.smtpOpts
	opts.ConnectTimeout = r.cfg.SMTP.ConnectTimeout
	opts.CommandTimeout = r.cfg.SMTP.CommandTimeout
	if opts.ClientHostname == "" {
		opts.ClientHostname = r.cfg.SMTP.ClientHostname
	}
	opts.Debug = tr.Addf
	return opts
}

// noteProxy records which proxy candidate would have been used. The dial
// path is unchanged: tunneling is not implemented, and silently pretending
// otherwise would be worse than saying so.
func (r *Runner) noteProxy(tr *Trace) {
	if r.proxies == nil {
		return
	}
	if candidate, ok := r.proxies.Pick(); ok {
		tr.Addf("proxy candidate %s (%s) selected; connecting directly", candidate.Addr(), candidate.Type)
	} else {
		tr.Addf("no proxy candidates available; connecting directly")
	}
}

// persistConfig stores a successful profile, best-effort.
func (r *Runner) persistConfig(ctx context.Context, cfg *request.Config, elapsedMs float64, meta Meta) {
	if r.store == nil {
		return
	}
	err := r.store.SaveConfig(ctx, store.SavedConfig{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Username:         cfg.Server.Username,
		Encryption:       string(cfg.Server.AuthMode),
		FromName:         cfg.FromName,
		FromEmail:        cfg.FromEmail,
		ReplyTo:          cfg.ReplyTo,
		ConnectionTimeMs: elapsedMs,
		ClientIP:         meta.ClientIP,
		UserAgent:        meta.UserAgent,
	})
	if err != nil {
		slog.Error("failed to store smtp config", "error", err)
	}
}

// persistSendLog appends the attempt to the audit trail, best-effort.
func (r *Runner) persistSendLog(ctx context.Context, cfg *request.Config, mail *request.Email, attachments int, elapsedMs float64, sendErr error, meta Meta) {
	if r.store == nil {
		return
	}

	entry := store.SendLog{
		Recipient:       mail.Recipient,
		Subject:         mail.Subject,
		MessageSize:     len(mail.HTMLBody),
		AttachmentCount: attachments,
		Success:         sendErr == nil,
		ClientIP:        meta.ClientIP,
	}
	if id, ok, err := r.store.FindConfig(ctx, cfg.Server.Host, cfg.Server.Port, cfg.Server.Username); err == nil && ok {
		entry.ConfigID = &id
	}
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	} else {
		entry.SendTimeMs = &elapsedMs
	}

	if err := r.store.LogSend(ctx, entry); err != nil {
		slog.Error("failed to log email send", "error", err)
	}
}

// roundMillis converts a duration to milliseconds with 2-decimal rounding.
func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*100) / 100
}

// Trace collects a timestamped human-readable log of one request, returned
// to the caller when debug mode is on. Safe for use from the session
// goroutine.
type Trace struct {
	mu      sync.Mutex
	enabled bool
	lines   []string
}

// NewTrace creates a Trace; a disabled Trace discards everything.
func NewTrace(enabled bool) *Trace {
	return &Trace{enabled: enabled}
}

// Addf appends a formatted line with a wall-clock prefix.
func (t *Trace) Addf(format string, args ...any) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, time.Now().Format("15:04:05")+" - "+fmt.Sprintf(format, args...))
}

// Lines returns the collected trace, or nil when disabled.
func (t *Trace) Lines() []string {
	if t == nil || !t.enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

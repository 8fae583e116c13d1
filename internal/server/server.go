package server

import (
	"io"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/request"
)

// formFields lists every form key the API reads. Anything else in the
// request body is ignored.
var formFields = []string{
	"smtp_host", "smtp_port", "smtp_username", "smtp_password", "smtp_auth",
	"from_email", "from_name", "reply_to",
	"recipient_email", "email_subject", "email_message",
	"debug_mode",
}

// New builds the fiber application serving the probe API.
func New(runner *Runner) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "smtp-probe",
		DisableStartupMessage: true,
		BodyLimit:             8 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))

	h := &handler{runner: runner}

	app.Options("/smtp/test", preflight)
	app.Options("/smtp/send", preflight)
	app.Post("/smtp/test", h.test)
	app.Post("/smtp/send", h.send)

	return app
}

// preflight answers non-CORS OPTIONS probes with an empty 200; CORS
// preflights are intercepted by the middleware before reaching here.
func preflight(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusOK)
}

type handler struct {
	runner *Runner
}

// test handles POST /smtp/test.
func (h *handler) test(c *fiber.Ctx) error {
	form := readForm(c)
	meta := readMeta(c, form)
	tr := NewTrace(meta.Debug)

	result, err := h.runner.Test(c.Context(), form, meta, tr)
	if err != nil {
		return fail(c, err, tr)
	}

	return c.JSON(withTrace(fiber.Map{
		"success":         true,
		"message":         "SMTP connection successful",
		"connection_time": result.ConnectionTimeMs,
		"server":          result.Server,
	}, tr))
}

// send handles POST /smtp/send.
func (h *handler) send(c *fiber.Ctx) error {
	form := readForm(c)
	meta := readMeta(c, form)
	tr := NewTrace(meta.Debug)

	files, err := readAttachments(c)
	if err != nil {
		slog.Warn("failed to read attachments", "error", err)
	}

	result, err := h.runner.Send(c.Context(), form, files, meta, tr)
	if err != nil {
		return fail(c, err, tr)
	}

	return c.JSON(withTrace(fiber.Map{
		"success":     true,
		"message":     "Email sent successfully",
		"send_time":   result.SendTimeMs,
		"recipient":   result.Recipient,
		"attachments": result.AttachmentCount,
	}, tr))
}

// fail renders an error response with the credential-redacted message.
func fail(c *fiber.Ctx, err error, tr *Trace) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	return c.Status(status).JSON(withTrace(fiber.Map{
		"success": false,
		"message": redact(err.Error()),
	}, tr))
}

// withTrace attaches the debug trace to a response when debug mode is on.
func withTrace(resp fiber.Map, tr *Trace) fiber.Map {
	if lines := tr.Lines(); lines != nil {
		resp["debug_logs"] = lines
	}
	return resp
}

// readForm copies the known form fields out of the request.
func readForm(c *fiber.Ctx) request.Form {
	form := make(request.Form, len(formFields))
	for _, key := range formFields {
		form[key] = c.FormValue(key)
	}
	return form
}

// readMeta extracts the caller's identity and flags.
func readMeta(c *fiber.Ctx, form request.Form) Meta {
	return Meta{
		ClientIP:  clientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Debug:     form.Get("debug_mode") == "1",
	}
}

// clientIP picks the originating address, preferring proxy headers over
// the socket peer.
func clientIP(c *fiber.Ctx) string {
	if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := c.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	return c.IP()
}

// readAttachments drains the multipart attachment fields. Both
// "attachments[]" and "attachments" are accepted.
func readAttachments(c *fiber.Ctx) ([]email.Attachment, error) {
	multipart, err := c.MultipartForm()
	if err != nil {
		// Not a multipart request; no attachments.
		return nil, nil
	}

	headers := multipart.File["attachments[]"]
	headers = append(headers, multipart.File["attachments"]...)

	var files []email.Attachment
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return files, err
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return files, err
		}
		files = append(files, email.Attachment{
			Filename: header.Filename,
			Content:  content,
		})
	}
	return files, nil
}

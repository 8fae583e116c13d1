// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP probe service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxAttachmentBytes is the total attachment budget per send (1 MiB).
const defaultMaxAttachmentBytes = 1048576

// defaultAllowedExtensions lists the attachment extensions accepted by the
// send endpoint. Anything else is silently skipped.
var defaultAllowedExtensions = []string{
	"pdf", "doc", "docx", "txt", "rtf",
	"jpg", "jpeg", "png", "gif", "bmp",
	"xls", "xlsx", "csv", "ppt", "pptx",
	"zip", "rar", "7z",
}

// Config holds the complete application configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HTTPConfig holds the HTTP API configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DatabaseConfig holds the Postgres connection settings. An empty DSN runs
// the service without persistence: results are not logged and rate limiting
// falls back to the in-memory limiter.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SMTPConfig holds client-side SMTP timing and identification settings.
type SMTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ClientHostname string        `yaml:"client_hostname"`
}

// RateLimitConfig holds the per-IP rate limiting policy.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// AttachmentsConfig holds the attachment acceptance policy for sends.
type AttachmentsConfig struct {
	MaxTotalBytes     int64    `yaml:"max_total_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// ProxyConfig holds the proxy candidate list settings. Selection is
// informational only; connections are always dialed directly.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// DatabaseConfigured returns true if a Postgres DSN is set.
func (c *Config) DatabaseConfigured() bool {
	return c.Database.DSN != ""
}

// AllowedExtension reports whether ext (with or without the leading dot,
// any case) is in the attachment allow-list.
func (c *Config) AllowedExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range c.Attachments.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.SMTP.ConnectTimeout = 30 * time.Second
	c.SMTP.CommandTimeout = 30 * time.Second
	c.SMTP.ClientHostname = "localhost"
	c.RateLimit.Enabled = true
	c.RateLimit.MaxRequests = 10
	c.RateLimit.Window = time.Hour
	c.Attachments.MaxTotalBytes = defaultMaxAttachmentBytes
	c.Attachments.AllowedExtensions = append([]string(nil), defaultAllowedExtensions...)
	c.Proxy.File = "proxy.csv"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("SMTP_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.ConnectTimeout = d
		}
	}
	if v := os.Getenv("SMTP_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.CommandTimeout = d
		}
	}
	if v := os.Getenv("SMTP_CLIENT_HOSTNAME"); v != "" {
		c.SMTP.ClientHostname = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.Window = d
		}
	}

	if v := os.Getenv("ATTACHMENTS_MAX_TOTAL_BYTES"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Attachments.MaxTotalBytes = size
		}
	}
	if v := os.Getenv("ATTACHMENTS_ALLOWED_EXTENSIONS"); v != "" {
		c.Attachments.AllowedExtensions = c.Attachments.AllowedExtensions[:0]
		for _, ext := range strings.Split(v, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext != "" {
				c.Attachments.AllowedExtensions = append(c.Attachments.AllowedExtensions, ext)
			}
		}
	}

	if v := os.Getenv("PROXY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Proxy.Enabled = b
		}
	}
	if v := os.Getenv("PROXY_FILE"); v != "" {
		c.Proxy.File = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

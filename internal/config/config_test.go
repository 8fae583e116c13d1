package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("HTTP.Listen = %q, want :8080", cfg.HTTP.Listen)
	}
	if cfg.DatabaseConfigured() {
		t.Error("DatabaseConfigured = true, want false with no DSN")
	}
	if cfg.SMTP.ConnectTimeout != 30*time.Second {
		t.Errorf("SMTP.ConnectTimeout = %v, want 30s", cfg.SMTP.ConnectTimeout)
	}
	if cfg.SMTP.ClientHostname != "localhost" {
		t.Errorf("SMTP.ClientHostname = %q, want localhost", cfg.SMTP.ClientHostname)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.RateLimit.MaxRequests != 10 {
		t.Errorf("RateLimit.MaxRequests = %d, want 10", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Window != time.Hour {
		t.Errorf("RateLimit.Window = %v, want 1h", cfg.RateLimit.Window)
	}
	if cfg.Attachments.MaxTotalBytes != 1048576 {
		t.Errorf("Attachments.MaxTotalBytes = %d, want 1 MiB", cfg.Attachments.MaxTotalBytes)
	}
	if cfg.Proxy.Enabled {
		t.Error("Proxy.Enabled = true, want false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_LISTEN", ":9999")
	t.Setenv("DATABASE_DSN", "postgres://probe:pw@localhost/probe")
	t.Setenv("SMTP_CONNECT_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "10m")
	t.Setenv("ATTACHMENTS_MAX_TOTAL_BYTES", "2048")
	t.Setenv("ATTACHMENTS_ALLOWED_EXTENSIONS", "PDF, txt ,")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Listen != ":9999" {
		t.Errorf("HTTP.Listen = %q, want :9999", cfg.HTTP.Listen)
	}
	if !cfg.DatabaseConfigured() {
		t.Error("DatabaseConfigured = false, want true")
	}
	if cfg.SMTP.ConnectTimeout != 5*time.Second {
		t.Errorf("SMTP.ConnectTimeout = %v, want 5s", cfg.SMTP.ConnectTimeout)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false")
	}
	if cfg.RateLimit.MaxRequests != 3 {
		t.Errorf("RateLimit.MaxRequests = %d, want 3", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Window != 10*time.Minute {
		t.Errorf("RateLimit.Window = %v, want 10m", cfg.RateLimit.Window)
	}
	if cfg.Attachments.MaxTotalBytes != 2048 {
		t.Errorf("Attachments.MaxTotalBytes = %d, want 2048", cfg.Attachments.MaxTotalBytes)
	}
	want := []string{"pdf", "txt"}
	if len(cfg.Attachments.AllowedExtensions) != len(want) {
		t.Fatalf("AllowedExtensions = %v, want %v", cfg.Attachments.AllowedExtensions, want)
	}
	for i, ext := range want {
		if cfg.Attachments.AllowedExtensions[i] != ext {
			t.Errorf("AllowedExtensions[%d] = %q, want %q", i, cfg.Attachments.AllowedExtensions[i], ext)
		}
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
http:
  listen: ":7070"
database:
  dsn: "postgres://file:pw@localhost/probe"
smtp:
  command_timeout: 12s
ratelimit:
  max_requests: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.HTTP.Listen != ":7070" {
		t.Errorf("HTTP.Listen = %q, want :7070", cfg.HTTP.Listen)
	}
	if cfg.Database.DSN != "postgres://file:pw@localhost/probe" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.SMTP.CommandTimeout != 12*time.Second {
		t.Errorf("SMTP.CommandTimeout = %v, want 12s", cfg.SMTP.CommandTimeout)
	}
	if cfg.RateLimit.MaxRequests != 5 {
		t.Errorf("RateLimit.MaxRequests = %d, want 5", cfg.RateLimit.MaxRequests)
	}
	// Untouched fields keep their defaults.
	if cfg.SMTP.ConnectTimeout != 30*time.Second {
		t.Errorf("SMTP.ConnectTimeout = %v, want default 30s", cfg.SMTP.ConnectTimeout)
	}
}

func TestLoadFromFile_EnvWins(t *testing.T) {
	content := "http:\n  listen: \":7070\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("HTTP_LISTEN", ":6060")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.HTTP.Listen != ":6060" {
		t.Errorf("HTTP.Listen = %q, want the env value :6060", cfg.HTTP.Listen)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile on a missing path succeeded, want error")
	}
}

func TestAllowedExtension(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		ext  string
		want bool
	}{
		{"pdf", true},
		{".pdf", true},
		{"PDF", true},
		{"exe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cfg.AllowedExtension(tt.ext); got != tt.want {
			t.Errorf("AllowedExtension(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

// Package main is the entry point for the SMTP probe service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/ratelimit"
	"github.com/shineum/smtp-probe/internal/server"
	"github.com/shineum/smtp-probe/internal/smtp"
	"github.com/shineum/smtp-probe/internal/store"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Open persistence when configured; the service runs without it.
	var st *store.Store
	if cfg.DatabaseConfigured() {
		st, err = store.Open(cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.EnsureSchema(ctx); err != nil {
			cancel()
			slog.Error("failed to provision database schema", "error", err)
			os.Exit(1)
		}
		cancel()
	} else {
		slog.Warn("no database configured; results are not persisted and rate limits are per-process")
	}

	limiter := selectLimiter(cfg, st)

	runner := server.NewRunner(cfg, st, limiter, smtp.Options{
		ClientHostname: cfg.SMTP.ClientHostname,
	})
	app := server.New(runner)

	slog.Info("starting smtp-probe",
		"listen", cfg.HTTP.Listen,
		"database", cfg.DatabaseConfigured(),
		"rate_limiting", cfg.RateLimit.Enabled,
		"proxy_list", cfg.Proxy.Enabled,
	)

	// Setup graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.HTTP.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, initiating shutdown", "signal", sig)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			slog.Error("shutdown error", "error", err)
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("smtp-probe stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectLimiter chooses the rate limiter backend: the shared Postgres
// limiter when a database is available, the in-memory one otherwise.
func selectLimiter(cfg *config.Config, st *store.Store) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		slog.Info("rate limiting disabled")
		return ratelimit.Unlimited{}
	}

	if st != nil {
		limiter := ratelimit.NewPostgres(st.DB(), cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := limiter.Cleanup(ctx); err != nil {
			slog.Warn("rate limit cleanup failed", "error", err)
		}
		return limiter
	}

	return ratelimit.NewMemory(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
}

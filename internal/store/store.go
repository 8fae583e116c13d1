// Package store persists successful SMTP profiles and send logs to
// Postgres. Every write is best-effort from the caller's point of view: a
// storage failure is reported as an error but must never change the outcome
// shown to the user.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Postgres driver registration.
	_ "github.com/lib/pq"
)

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators sharing the
// connection pool (the rate limiter).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// schema is the idempotent DDL for all tables the service touches.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS smtp_configs (
		id BIGSERIAL PRIMARY KEY,
		smtp_host TEXT NOT NULL,
		smtp_port INT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		encryption_type TEXT NOT NULL DEFAULT 'auto',
		from_name TEXT,
		from_email TEXT NOT NULL,
		reply_to_email TEXT,
		test_successful BOOLEAN NOT NULL DEFAULT TRUE,
		connection_time_ms DOUBLE PRECISION,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_smtp_configs_endpoint
		ON smtp_configs (smtp_host, smtp_port, username)`,
	`CREATE TABLE IF NOT EXISTS email_logs (
		id BIGSERIAL PRIMARY KEY,
		smtp_config_id BIGINT REFERENCES smtp_configs(id) ON DELETE SET NULL,
		recipient_email TEXT NOT NULL,
		subject TEXT NOT NULL,
		message_size INT,
		attachment_count INT NOT NULL DEFAULT 0,
		send_successful BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT,
		send_time_ms DOUBLE PRECISION,
		ip_address TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_logs_recipient
		ON email_logs (recipient_email)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		ip_address TEXT PRIMARY KEY,
		request_count INT NOT NULL DEFAULT 1,
		last_request TIMESTAMPTZ NOT NULL DEFAULT now(),
		blocked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SavedConfig is a successfully tested SMTP profile.
type SavedConfig struct {
	Host             string
	Port             int
	Username         string
	Encryption       string
	FromName         string
	FromEmail        string
	ReplyTo          string
	ConnectionTimeMs float64
	ClientIP         string
	UserAgent        string
}

// FindConfig returns the id of an already stored successful profile for
// host/port/username, or ok=false when none exists.
func (s *Store) FindConfig(ctx context.Context, host string, port int, username string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM smtp_configs
		 WHERE smtp_host = $1 AND smtp_port = $2 AND username = $3 AND test_successful
		 LIMIT 1`,
		host, port, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// SaveConfig stores a successful profile unless an identical endpoint is
// already recorded.
func (s *Store) SaveConfig(ctx context.Context, cfg SavedConfig) error {
	if _, ok, err := s.FindConfig(ctx, cfg.Host, cfg.Port, cfg.Username); err != nil {
		return err
	} else if ok {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO smtp_configs (
			smtp_host, smtp_port, username, encryption_type,
			from_name, from_email, reply_to_email,
			test_successful, connection_time_ms, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10)`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Encryption,
		nullable(cfg.FromName), cfg.FromEmail, nullable(cfg.ReplyTo),
		cfg.ConnectionTimeMs, cfg.ClientIP, cfg.UserAgent)
	return err
}

// SendLog is one row of the send audit trail.
type SendLog struct {
	ConfigID        *int64
	Recipient       string
	Subject         string
	MessageSize     int
	AttachmentCount int
	Success         bool
	ErrorMessage    string
	SendTimeMs      *float64
	ClientIP        string
}

// LogSend appends a send attempt to the audit trail.
func (s *Store) LogSend(ctx context.Context, entry SendLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_logs (
			smtp_config_id, recipient_email, subject, message_size,
			attachment_count, send_successful, error_message, send_time_ms, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ConfigID, entry.Recipient, entry.Subject, entry.MessageSize,
		entry.AttachmentCount, entry.Success, nullable(entry.ErrorMessage),
		entry.SendTimeMs, entry.ClientIP)
	return err
}

// nullable maps "" to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package ratelimit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// checkQuery applies the whole policy in a single upsert so concurrent
// requests from one IP serialize on the row instead of racing a separate
// read and write. The CASE arms mirror Memory.Allow: an active block leaves
// the row untouched, an elapsed window resets it, and an over-threshold
// increment starts a new block.
const checkQuery = `
INSERT INTO rate_limits (ip_address, request_count, last_request, blocked_until)
VALUES ($1, 1, now(), NULL)
ON CONFLICT (ip_address) DO UPDATE SET
    request_count = CASE
        WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > now()
            THEN rate_limits.request_count
        WHEN now() - rate_limits.last_request > ($2 * interval '1 second')
            THEN 1
        ELSE rate_limits.request_count + 1
    END,
    blocked_until = CASE
        WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > now()
            THEN rate_limits.blocked_until
        WHEN now() - rate_limits.last_request > ($2 * interval '1 second')
            THEN NULL
        WHEN rate_limits.request_count + 1 > $3
            THEN now() + ($2 * interval '1 second')
        ELSE NULL
    END,
    last_request = CASE
        WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > now()
            THEN rate_limits.last_request
        ELSE now()
    END
RETURNING blocked_until IS NULL OR blocked_until <= now()`

// Postgres is a Limiter backed by the rate_limits table, shared by every
// instance of the service pointed at the same database.
type Postgres struct {
	db          *sql.DB
	maxRequests int
	window      time.Duration
}

// NewPostgres creates a database-backed Limiter allowing maxRequests per
// window per IP.
func NewPostgres(db *sql.DB, maxRequests int, window time.Duration) *Postgres {
	return &Postgres{db: db, maxRequests: maxRequests, window: window}
}

// Allow runs the atomic check-and-record. A backend failure is logged and
// the request is allowed.
func (p *Postgres) Allow(ctx context.Context, ip string) bool {
	var allowed bool
	err := p.db.QueryRowContext(ctx, checkQuery, ip, int64(p.window.Seconds()), p.maxRequests).Scan(&allowed)
	if err != nil {
		slog.Warn("rate limiter backend failure, allowing request", "ip", ip, "error", err)
		return true
	}
	return allowed
}

// Cleanup deletes rows idle for more than twice the window. Invoked
// opportunistically at startup.
func (p *Postgres) Cleanup(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE last_request < now() - ($1 * interval '1 second')`,
		2*int64(p.window.Seconds()))
	return err
}

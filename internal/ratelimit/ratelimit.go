// Package ratelimit enforces the per-IP request policy: a fixed number of
// requests per window, then a block lasting one full window.
package ratelimit

import "context"

// Limiter decides whether a request from an IP may proceed. A check both
// reads and records in one atomic step; two concurrent requests can never
// both observe a count below the threshold. Backend failures fail open so
// an infrastructure outage never blocks all testing.
type Limiter interface {
	Allow(ctx context.Context, ip string) bool
}

// Unlimited is a Limiter that allows everything, used when rate limiting is
// disabled.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(context.Context, string) bool { return true }

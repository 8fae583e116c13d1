package ratelimit

import (
	"context"
	"sync"
	"time"
)

// record tracks one IP's standing within the current window.
type record struct {
	count        int
	lastRequest  time.Time
	blockedUntil time.Time
}

// Memory is a mutex-guarded in-process Limiter, used when no database is
// configured. State does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	records map[string]*record

	maxRequests int
	window      time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemory creates an in-memory Limiter allowing maxRequests per window
// per IP.
func NewMemory(maxRequests int, window time.Duration) *Memory {
	return &Memory{
		records:     make(map[string]*record),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow applies the policy in one locked step: blocked IPs are rejected
// without mutation, an elapsed window resets the count, and an increment
// past the threshold starts a block of one window.
func (m *Memory) Allow(_ context.Context, ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[ip]
	if !ok {
		m.records[ip] = &record{count: 1, lastRequest: now}
		return true
	}

	if now.Before(rec.blockedUntil) {
		return false
	}

	if now.Sub(rec.lastRequest) > m.window {
		rec.count = 1
		rec.lastRequest = now
		rec.blockedUntil = time.Time{}
		return true
	}

	rec.count++
	rec.lastRequest = now
	if rec.count > m.maxRequests {
		rec.blockedUntil = now.Add(m.window)
		return false
	}
	return true
}

// Package ratelimit enforces per-key fixed-window quotas. Redis is the
// primary backend so windows are shared across server processes; an
// in-process fallback keeps development and degraded deployments working.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result reports the outcome of one quota check.
type Result struct {
	Allowed   bool
	Current   int64
	Limit     int
	Remaining int64
	TTL       time.Duration
}

// remaining clamps at zero so response headers never go negative.
func remaining(limit int, current int64) int64 {
	r := int64(limit) - current
	if r < 0 {
		return 0
	}
	return r
}

// Limiter is a fixed-window counter keyed by caller-chosen strings.
type Limiter interface {
	// Allow admits the request if fewer than limit requests have been
	// counted in the current window, incrementing the count. A denied
	// request does not consume quota.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	// Peek reports the window state without consuming quota. Gate-then-
	// touch flows use it so a failed operation does not burn the window.
	Peek(ctx context.Context, key string, limit int) (*Result, error)
	// Touch consumes quota unconditionally. Operations that only count
	// on success, such as DSR exports, call this after completing.
	Touch(ctx context.Context, key string, window time.Duration) error
	// LastRequest approximates when the window was started, derived from
	// the remaining TTL. ok is false when no window is active.
	LastRequest(ctx context.Context, key string, window time.Duration) (t time.Time, ok bool, err error)
}

// Key builds the canonical limiter key for a quota category and principal
// (user id, or client IP for anonymous callers).
func Key(category, principal string) string {
	return fmt.Sprintf("ratelimit:%s:%s", category, principal)
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryLimiter is the in-process fallback backend. Entries live in a
// mutex-guarded map; expired windows are dropped lazily on access.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{entries: make(map[string]*memoryEntry), clock: time.Now}
}

// WithClock overrides the time source for tests.
func (m *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	m.clock = clock
	return m
}

func (m *MemoryLimiter) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if m.clock().After(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	e := m.live(key)
	if e == nil {
		e = &memoryEntry{count: 1, expiresAt: now.Add(window)}
		m.entries[key] = e
		return &Result{Allowed: true, Current: 1, Limit: limit, Remaining: remaining(limit, 1), TTL: window}, nil
	}

	ttl := e.expiresAt.Sub(now)
	if e.count >= int64(limit) {
		return &Result{Allowed: false, Current: e.count, Limit: limit, Remaining: 0, TTL: ttl}, nil
	}
	e.count++
	return &Result{Allowed: true, Current: e.count, Limit: limit, Remaining: remaining(limit, e.count), TTL: ttl}, nil
}

// Peek implements Limiter.
func (m *MemoryLimiter) Peek(ctx context.Context, key string, limit int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return &Result{Allowed: true, Current: 0, Limit: limit, Remaining: remaining(limit, 0)}, nil
	}
	return &Result{
		Allowed:   e.count < int64(limit),
		Current:   e.count,
		Limit:     limit,
		Remaining: remaining(limit, e.count),
		TTL:       e.expiresAt.Sub(m.clock()),
	}, nil
}

// Touch implements Limiter.
func (m *MemoryLimiter) Touch(ctx context.Context, key string, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(key); e != nil {
		e.count++
		return nil
	}
	m.entries[key] = &memoryEntry{count: 1, expiresAt: m.clock().Add(window)}
	return nil
}

// LastRequest implements Limiter.
func (m *MemoryLimiter) LastRequest(ctx context.Context, key string, window time.Duration) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return time.Time{}, false, nil
	}
	return e.expiresAt.Add(-window), true, nil
}

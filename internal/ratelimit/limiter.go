// Package ratelimit guards the deployment trigger with a fixed-window
// per-user counter. Windows are discrete buckets that reset wholesale when
// their end passes; increment-and-check is atomic in every backing store.
package ratelimit

import (
	"context"
	"time"

	"log/slog"
)

const (
	// DefaultLimit caps deployments per user per window.
	DefaultLimit = 10
	// DefaultWindow is the fixed window duration.
	DefaultWindow = time.Hour
)

// Decision is the outcome of a limit check. A denial is a first-class result,
// not an error.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Info describes the current window without consuming a slot.
type Info struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// CounterStore is the pluggable backing store for window counters. Incr must
// atomically create-or-increment the counter for the current window and
// return the post-increment count; concurrent callers must never observe the
// same count.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	Get(ctx context.Context, key string) (count int, resetAt time.Time, err error)
	Close()
}

// Limiter applies a fixed-window policy over a CounterStore.
type Limiter struct {
	store  CounterStore
	limit  int
	window time.Duration
	logger *slog.Logger
}

// New constructs a Limiter. Non-positive limit or window fall back to the
// defaults.
func New(store CounterStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, limit: limit, window: window, logger: logger}
}

// CheckLimit consumes one slot for the user and reports whether the request
// is allowed. Store failures fail open so a degraded counter backend cannot
// block deployments.
func (l *Limiter) CheckLimit(ctx context.Context, userID string) Decision {
	count, resetAt, err := l.store.Incr(ctx, l.key(userID), l.window)
	if err != nil {
		l.logger.Error("rate limit store error", "op", "incr", "user_id", userID, "error", err)
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: time.Now().Add(l.window)}
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Info reports the user's window state without incrementing the counter.
func (l *Limiter) Info(ctx context.Context, userID string) Info {
	count, resetAt, err := l.store.Get(ctx, l.key(userID))
	if err != nil {
		l.logger.Error("rate limit store error", "op", "get", "user_id", userID, "error", err)
		return Info{Limit: l.limit, Remaining: l.limit, ResetAt: time.Now().Add(l.window)}
	}
	if resetAt.IsZero() {
		resetAt = time.Now().Add(l.window)
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Info{Limit: l.limit, Remaining: remaining, ResetAt: resetAt}
}

// Close releases the backing store.
func (l *Limiter) Close() {
	if l.store != nil {
		l.store.Close()
	}
}

func (l *Limiter) key(userID string) string {
	return "deploy:" + userID
}

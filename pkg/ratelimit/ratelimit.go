// Package ratelimit provides keyed request rate limiting with pluggable
// counter storage.
package ratelimit

import (
	"context"
	"time"
)

// Limit caps a key at Max events per Window.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Store counts events per key and window.
type Store interface {
	// Take records one event for key under limit and reports whether the
	// event is within the limit.
	Take(ctx context.Context, key string, limit Limit) (bool, error)
}

// Limiter enforces a set of limits against a store. A request is allowed
// only when every limit admits it.
type Limiter struct {
	store  Store
	limits []Limit
}

// New returns a Limiter enforcing the given limits.
func New(store Store, limits ...Limit) *Limiter {
	return &Limiter{store: store, limits: limits}
}

// Allow records one event for key and reports whether it passes all limits.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	for _, limit := range l.limits {
		ok, err := l.store.Take(ctx, key, limit)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

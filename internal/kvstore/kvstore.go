// Package kvstore defines the key-value capability the fraud guards keep their
// rolling per-card state in, with Redis and in-memory implementations.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped by every error caused by the backend being
// unreachable, timing out, or short-circuited by an open breaker.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Store is the set of primitives the guards rely on. Only IncrementAndGetCount
// is atomic; a GetString followed by SetString is not.
type Store interface {
	// IncrementAndGetCount atomically increments the integer at key (creating
	// it at 0 when absent) and returns the new value. An existing expiry is kept.
	IncrementAndGetCount(ctx context.Context, key string) (int64, error)

	// SetExpiry sets the time-to-live of an existing key.
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error

	// GetString returns the value at key. ok is false when the key is absent
	// or expired; that case is not an error.
	GetString(ctx context.Context, key string) (value string, ok bool, err error)

	// SetString writes value at key, replacing any previous value and expiry.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
}

// WindowCounter is implemented by stores that can open a counter's window in
// the same round trip as the increment. The expiry is set only when the key has
// none, so a counter left without one is repaired by the next call.
type WindowCounter interface {
	IncrementInWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// IncrementInWindow increments key and makes sure it expires window after the
// counter was created. Stores that are not a WindowCounter fall back to a
// separate SetExpiry on the first increment, which is not atomic.
func IncrementInWindow(ctx context.Context, s Store, key string, window time.Duration) (int64, error) {
	if wc, ok := s.(WindowCounter); ok {
		return wc.IncrementInWindow(ctx, key, window)
	}

	n, err := s.IncrementAndGetCount(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.SetExpiry(ctx, key, window); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

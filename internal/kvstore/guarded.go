package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vndev/sentinel/internal/circuitbreaker"
)

// errCircuitOpen is returned, wrapped in ErrUnavailable, while the breaker
// rejects calls.
var errCircuitOpen = errors.New("circuit open")

// Guarded short-circuits calls to a failing backend. Only ErrUnavailable
// failures count against the breaker; everything else passes through.
type Guarded struct {
	next    Store
	breaker *circuitbreaker.Breaker
}

var (
	_ Store         = (*Guarded)(nil)
	_ Pinger        = (*Guarded)(nil)
	_ WindowCounter = (*Guarded)(nil)
)

// NewGuarded wraps next with breaker.
func NewGuarded(next Store, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Ping bypasses the breaker so health checks always reach the backend.
func (g *Guarded) Ping(ctx context.Context) error {
	if p, ok := g.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (g *Guarded) IncrementAndGetCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, func() error {
		var err error
		n, err = g.next.IncrementAndGetCount(ctx, key)
		return err
	})
	return n, err
}

func (g *Guarded) IncrementInWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var n int64
	err := g.do(ctx, func() error {
		var err error
		n, err = IncrementInWindow(ctx, g.next, key, window)
		return err
	})
	return n, err
}

func (g *Guarded) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	return g.do(ctx, func() error {
		return g.next.SetExpiry(ctx, key, ttl)
	})
}

func (g *Guarded) GetString(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := g.do(ctx, func() error {
		var err error
		value, ok, err = g.next.GetString(ctx, key)
		return err
	})
	return value, ok, err
}

func (g *Guarded) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.do(ctx, func() error {
		return g.next.SetString(ctx, key, value, ttl)
	})
}

func (g *Guarded) do(ctx context.Context, fn func() error) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%w: %w", ErrUnavailable, errCircuitOpen)
	}
	err := fn()
	switch {
	case err == nil:
		g.breaker.Success()
	case ctx.Err() != nil:
		// The caller gave up; says nothing about the backend.
		g.breaker.Release()
	case errors.Is(err, ErrUnavailable):
		g.breaker.Failure()
	default:
		g.breaker.Success()
	}
	return err
}

// Package guard implements the per-card fraud heuristics: a fixed-window
// velocity counter, an impossible-travel check and an advisory amount alert.
//
// Guards keep their state in a kvstore.Store and never observe each other's
// keys. A store failure is returned as an error; guards never guess an
// outcome on their own.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vndev/sentinel/internal/kvstore"
	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
	"github.com/vndev/sentinel/internal/traces"
)

// VelocityKeyPrefix namespaces attempt counters in the store.
const VelocityKeyPrefix = "sentinel:tx:"

// Velocity defaults: more than 3 attempts in one 60 second window is denied.
const (
	DefaultVelocityLimit  = 3
	DefaultVelocityWindow = 60 * time.Second
)

// Velocity counts attempts per card in a fixed window. The window opens on
// the first attempt and is not renewed by later ones. Denied attempts still
// count.
type Velocity struct {
	store  kvstore.Store
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewVelocity creates a velocity guard with the default limit and window.
func NewVelocity(store kvstore.Store, logger *slog.Logger) *Velocity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Velocity{
		store:  store,
		limit:  DefaultVelocityLimit,
		window: DefaultVelocityWindow,
		logger: logger,
	}
}

// WithLimit overrides the number of attempts allowed per window.
func (v *Velocity) WithLimit(limit int) *Velocity {
	v.limit = int64(limit)
	return v
}

// WithWindow overrides the window length.
func (v *Velocity) WithWindow(window time.Duration) *Velocity {
	v.window = window
	return v
}

// Check records an attempt for cardToken and reports whether it is within
// the window's budget.
func (v *Velocity) Check(ctx context.Context, cardToken string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "guard.velocity", traces.CardToken(cardToken))
	defer span.End()

	key := VelocityKeyPrefix + cardToken

	// The expiry is set with the increment and never renewed by it.
	count, err := kvstore.IncrementInWindow(ctx, v.store, key, v.window)
	if err != nil {
		metrics.GuardErrorsTotal.WithLabelValues("velocity").Inc()
		span.RecordError(err)
		return false, fmt.Errorf("increment attempt counter: %w", err)
	}

	if count > v.limit {
		v.logger.Warn("blocked: high transaction frequency",
			"card", logging.MaskCard(cardToken),
			"attempts", count,
			"limit", v.limit,
		)
		span.SetAttributes(traces.Allowed(false))
		return false, nil
	}

	span.SetAttributes(traces.Allowed(true))
	return true, nil
}

package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/vndev/sentinel/internal/guard"
	"github.com/vndev/sentinel/internal/kvstore"
	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
	"github.com/vndev/sentinel/internal/traces"
	"github.com/vndev/sentinel/internal/validation"
)

// VelocityChecker is satisfied by *guard.Velocity.
type VelocityChecker interface {
	Check(ctx context.Context, cardToken string) (bool, error)
}

// LocationChecker is satisfied by *guard.Geo.
type LocationChecker interface {
	Check(ctx context.Context, cardToken string, p guard.Point) (bool, error)
}

// AmountChecker is satisfied by *guard.Amount.
type AmountChecker interface {
	Check(ctx context.Context, cardToken string, amount decimal.Decimal) bool
}

// Engine combines the guards into a single decision per transaction. It is
// stateless between calls and safe for concurrent use.
type Engine struct {
	velocity  VelocityChecker
	location  LocationChecker
	amount    AmountChecker
	publisher Publisher
	topic     string
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(velocity VelocityChecker, location LocationChecker, publisher Publisher) *Engine {
	return &Engine{
		velocity:  velocity,
		location:  location,
		publisher: publisher,
		topic:     TopicTransactions,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithAmountAlert attaches an advisory amount check.
func (e *Engine) WithAmountAlert(a AmountChecker) *Engine {
	e.amount = a
	return e
}

// WithTopic overrides the topic decisions are published on.
func (e *Engine) WithTopic(topic string) *Engine {
	e.topic = topic
	return e
}

// WithClock overrides the clock used to stamp decisions.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Evaluate decides tx. Velocity runs before geo and both always run, so the
// geo baseline is maintained even for transactions velocity already denied.
//
// Errors wrap ErrInvalidTransaction, ErrStoreUnavailable, or are returned
// as-is for any other guard failure; in every case no decision exists and
// nothing is published.
func (e *Engine) Evaluate(ctx context.Context, tx TransactionRequest) (*Decision, error) {
	timer := prometheus.NewTimer(metrics.EvaluationDuration)
	defer timer.ObserveDuration()

	ctx, span := traces.StartSpan(ctx, "sentinel.evaluate", traces.CardToken(tx.CardToken))
	defer span.End()

	if errs := Validate(tx); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransaction, errs)
	}
	tx = tx.clone()

	velocityOK, err := e.velocity.Check(ctx, tx.CardToken)
	if err != nil {
		span.RecordError(err)
		return nil, guardError("velocity", err)
	}

	locationOK, err := e.location.Check(ctx, tx.CardToken, tx.Point())
	if err != nil {
		span.RecordError(err)
		return nil, guardError("geo", err)
	}

	approved := velocityOK && locationOK
	reason := selectReason(velocityOK, locationOK)

	var alerts []string
	if e.amount != nil && e.amount.Check(ctx, tx.CardToken, tx.Amount) {
		alerts = append(alerts, AlertHighAmount)
	}

	status := StatusApproved
	if !approved {
		status = StatusDenied
	}

	d := &Decision{
		ID:          "dec_" + uuid.NewString(),
		Approved:    approved,
		Status:      status,
		Reason:      reason,
		Alerts:      alerts,
		Transaction: tx,
		Timestamp:   e.now().UTC(),
	}

	span.SetAttributes(traces.Approved(approved), traces.Reason(string(reason)))
	metrics.DecisionsTotal.WithLabelValues(string(status), string(reason)).Inc()
	logger := e.logger
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	logger.Info("transaction evaluated",
		"decision_id", d.ID,
		"card", logging.MaskCard(tx.CardToken),
		"status", status,
		"reason", reason,
	)

	if e.publisher != nil {
		e.publisher.Publish(e.topic, d)
	}

	return d, nil
}

// selectReason applies strict precedence: velocity first, then geo. A
// transaction failing both is reported as high-frequency only.
func selectReason(velocityOK, locationOK bool) Reason {
	switch {
	case !velocityOK:
		return ReasonHighFrequency
	case !locationOK:
		return ReasonImpossibleTravel
	default:
		return ReasonNone
	}
}

// Validate checks tx before any guard sees it.
func Validate(tx TransactionRequest) validation.ValidationErrors {
	return validation.Validate(
		validation.Required("cardToken", tx.CardToken),
		validation.MaxLength("cardToken", tx.CardToken, validation.MaxIdentifierLength),
		validation.MaxLength("userId", tx.UserID, validation.MaxIdentifierLength),
		validation.NonNegativeAmount("amount", tx.Amount),
		validation.InRange("latitude", tx.Latitude, -90, 90),
		validation.InRange("longitude", tx.Longitude, -180, 180),
	)
}

// guardError marks backend outages as ErrStoreUnavailable. Anything else,
// such as a corrupt counter, is left for the caller to treat as internal.
func guardError(name string, err error) error {
	if errors.Is(err, kvstore.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, name, err)
	}
	return fmt.Errorf("%s guard: %w", name, err)
}

// Package sentinel decides, in real time, whether a card transaction is
// approved.
//
// Two independent heuristics feed every decision:
//   - velocity: more than a fixed number of attempts per card in one window
//   - geo-velocity: travel between consecutive transactions faster than is
//     physically possible
//
// The Engine runs both, picks a single reason by strict precedence, and hands
// the resulting Decision to a Publisher without waiting on delivery.
package sentinel

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vndev/sentinel/internal/guard"
)

// TopicTransactions is the feed topic decisions are published on.
const TopicTransactions = "/topic/transactions"

// Reason explains a decision. Exactly one reason is reported even when
// several checks failed.
type Reason string

const (
	ReasonNone             Reason = "none"
	ReasonHighFrequency    Reason = "high-frequency"
	ReasonImpossibleTravel Reason = "impossible-travel"
)

// Status is the externally visible verdict.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// AlertHighAmount marks a transaction above the advisory amount threshold.
const AlertHighAmount = "high-amount"

var (
	// ErrInvalidTransaction is returned before any guard runs when the
	// request is missing identifiers or carries out-of-range coordinates.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrStoreUnavailable is returned when a guard could not reach its
	// state. No decision is produced and nothing is published.
	ErrStoreUnavailable = errors.New("guard state unavailable")
)

// TransactionRequest is an incoming card transaction.
type TransactionRequest struct {
	CardToken        string          `json:"cardToken"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantCategory string          `json:"merchantCategory"`
	Latitude         *float64        `json:"latitude"`
	Longitude        *float64        `json:"longitude"`
}

// Point returns the transaction location. Call only after validation.
func (t TransactionRequest) Point() guard.Point {
	return guard.Point{Lat: *t.Latitude, Lon: *t.Longitude}
}

// clone returns a copy that shares no pointers with t.
func (t TransactionRequest) clone() TransactionRequest {
	c := t
	if t.Latitude != nil {
		lat := *t.Latitude
		c.Latitude = &lat
	}
	if t.Longitude != nil {
		lon := *t.Longitude
		c.Longitude = &lon
	}
	return c
}

// Decision is the outcome of one evaluation. It is built once and never
// modified; the caller and the publisher see the same value.
type Decision struct {
	ID          string             `json:"id"`
	Approved    bool               `json:"approved"`
	Status      Status             `json:"status"`
	Reason      Reason             `json:"reason"`
	Alerts      []string           `json:"alerts,omitempty"`
	Transaction TransactionRequest `json:"transaction"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Publisher broadcasts decisions. Implementations must not block and must
// not report failures back to the engine.
type Publisher interface {
	Publish(topic string, decision *Decision)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(topic string, decision *Decision)

// Publish calls f.
func (f PublisherFunc) Publish(topic string, decision *Decision) { f(topic, decision) }

// MultiPublisher fans a decision out to every publisher in order.
type MultiPublisher []Publisher

// Publish forwards to each non-nil publisher.
func (m MultiPublisher) Publish(topic string, decision *Decision) {
	for _, p := range m {
		if p != nil {
			p.Publish(topic, decision)
		}
	}
}

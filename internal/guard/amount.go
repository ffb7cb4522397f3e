package guard

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
)

// DefaultHighAmount is the default alert threshold.
var DefaultHighAmount = decimal.NewFromInt(10000)

// Amount raises an advisory alert for unusually large transactions. It keeps
// no state and never decides approval.
type Amount struct {
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewAmount creates an amount alert with the given threshold. A zero
// threshold disables it.
func NewAmount(threshold decimal.Decimal, logger *slog.Logger) *Amount {
	if logger == nil {
		logger = slog.Default()
	}
	return &Amount{threshold: threshold, logger: logger}
}

// Check reports whether amount is above the threshold.
func (a *Amount) Check(_ context.Context, cardToken string, amount decimal.Decimal) bool {
	if a == nil || !a.threshold.IsPositive() {
		return false
	}
	if !amount.GreaterThan(a.threshold) {
		return false
	}

	metrics.HighAmountAlertsTotal.Inc()
	a.logger.Warn("alert: high transaction amount",
		"card", logging.MaskCard(cardToken),
		"amount", amount.String(),
		"threshold", a.threshold.String(),
	)
	return true
}

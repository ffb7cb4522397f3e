package sentinel

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/validation"
)

// Evaluator is satisfied by *Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, tx TransactionRequest) (*Decision, error)
}

// Handler provides the HTTP endpoint for transaction analysis.
type Handler struct {
	engine Evaluator
}

// NewHandler creates a new analysis handler.
func NewHandler(engine Evaluator) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the analysis routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze", h.Analyze)
}

// Analyze handles POST /api/sentinel/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var tx TransactionRequest
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.engine.Evaluate(c.Request.Context(), tx)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.Is(err, ErrInvalidTransaction) && errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrInvalidTransaction):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		case errors.Is(err, ErrStoreUnavailable):
			logging.L(c.Request.Context()).Error("evaluation aborted", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "Fraud checks are temporarily unavailable",
			})
		default:
			logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to evaluate transaction",
			})
		}
		return
	}

	if d.Approved {
		c.JSON(http.StatusOK, gin.H{
			"status":   d.Status,
			"message":  "Transaction processed successfully.",
			"decision": d,
		})
		return
	}

	c.JSON(http.StatusForbidden, gin.H{
		"status":   d.Status,
		"reason":   d.Reason,
		"message":  denialMessage(d.Reason),
		"decision": d,
	})
}

func denialMessage(r Reason) string {
	switch r {
	case ReasonHighFrequency:
		return "Transaction blocked: too many attempts in a short period."
	case ReasonImpossibleTravel:
		return "Transaction blocked: location is inconsistent with recent activity."
	default:
		return "Transaction blocked."
	}
}

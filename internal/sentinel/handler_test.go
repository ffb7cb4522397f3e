package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vndev/sentinel/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type evaluatorFunc func(ctx context.Context, tx TransactionRequest) (*Decision, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, tx TransactionRequest) (*Decision, error) {
	return f(ctx, tx)
}

func newRouter(e Evaluator) *gin.Engine {
	r := gin.New()
	NewHandler(e).RegisterRoutes(r.Group("/api/sentinel"))
	return r
}

func postAnalyze(t *testing.T, r http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sentinel/analyze", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

const validBody = `{"cardToken":"tok_4242","userId":"u1","amount":"19.99","merchantCategory":"5812","latitude":48.8566,"longitude":2.3522}`

func TestAnalyze_Approved(t *testing.T) {
	h := newHarness()
	r := newRouter(h.engine)

	w, resp := postAnalyze(t, r, validBody)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "APPROVED", resp["status"])

	decision := resp["decision"].(map[string]any)
	assert.Equal(t, "none", decision["reason"])
	assert.Equal(t, true, decision["approved"])
	tx := decision["transaction"].(map[string]any)
	assert.Equal(t, "19.99", tx["amount"])
	assert.Equal(t, "tok_4242", tx["cardToken"])
}

func TestAnalyze_DeniedAfterThreeAttempts(t *testing.T) {
	h := newHarness()
	r := newRouter(h.engine)

	for i := 0; i < 3; i++ {
		w, _ := postAnalyze(t, r, validBody)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, resp := postAnalyze(t, r, validBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "DENIED", resp["status"])
	assert.Equal(t, "high-frequency", resp["reason"])
}

func TestAnalyze_NumericAmountAccepted(t *testing.T) {
	h := newHarness()
	r := newRouter(h.engine)

	w, _ := postAnalyze(t, r, `{"cardToken":"tok_1","amount":12.5,"latitude":1,"longitude":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyze_MalformedBody(t *testing.T) {
	r := newRouter(newHarness().engine)

	w, resp := postAnalyze(t, r, `{"cardToken":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])
}

func TestAnalyze_ValidationError(t *testing.T) {
	h := newHarness()
	r := newRouter(h.engine)

	w, resp := postAnalyze(t, r, `{"cardToken":"tok_1","amount":"1","latitude":95,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
	assert.NotEmpty(t, resp["details"])
	assert.Zero(t, h.published.count())
}

func TestAnalyze_MissingCoordinates(t *testing.T) {
	r := newRouter(newHarness().engine)

	w, resp := postAnalyze(t, r, `{"cardToken":"tok_1","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
}

func TestAnalyze_StoreUnavailable(t *testing.T) {
	e := evaluatorFunc(func(context.Context, TransactionRequest) (*Decision, error) {
		return nil, fmt.Errorf("%w: velocity: boom", ErrStoreUnavailable)
	})
	r := newRouter(e)

	w, resp := postAnalyze(t, r, validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", resp["error"])
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestAnalyze_UnexpectedError(t *testing.T) {
	e := evaluatorFunc(func(context.Context, TransactionRequest) (*Decision, error) {
		return nil, fmt.Errorf("unexpected")
	})
	r := newRouter(e)

	w, resp := postAnalyze(t, r, validBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", resp["error"])
}

func TestAnalyze_ImpossibleTravelMessage(t *testing.T) {
	e := NewEngine(&stubVelocity{ok: true}, &stubLocation{ok: false}, nil).WithLogger(logging.Discard())
	r := newRouter(e)

	w, resp := postAnalyze(t, r, validBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "impossible-travel", resp["reason"])
	assert.Contains(t, resp["message"], "location")
}

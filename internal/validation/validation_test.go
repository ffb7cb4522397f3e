package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func ptr(v float64) *float64 { return &v }

func TestInRange(t *testing.T) {
	tests := []struct {
		name  string
		value *float64
		valid bool
	}{
		{"lower bound", ptr(-90), true},
		{"upper bound", ptr(90), true},
		{"zero", ptr(0), true},
		{"below", ptr(-90.0001), false},
		{"above", ptr(90.5), false},
		{"nan", ptr(math.NaN()), false},
		{"inf", ptr(math.Inf(1)), false},
		{"missing", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := InRange("latitude", tc.value, -90, 90)()
			if (err == nil) != tc.valid {
				t.Errorf("InRange(%v) valid=%v, want %v (err=%v)", tc.value, err == nil, tc.valid, err)
			}
		})
	}
}

func TestInRange_MissingMessage(t *testing.T) {
	err := InRange("longitude", nil, -180, 180)()
	if err == nil || err.Message != "is required" {
		t.Fatalf("expected 'is required', got %+v", err)
	}
}

func TestNonNegativeAmount(t *testing.T) {
	if err := NonNegativeAmount("amount", decimal.Zero)(); err != nil {
		t.Errorf("zero should be valid: %v", err)
	}
	if err := NonNegativeAmount("amount", decimal.RequireFromString("12.50"))(); err != nil {
		t.Errorf("positive should be valid: %v", err)
	}
	if err := NonNegativeAmount("amount", decimal.RequireFromString("-0.01"))(); err == nil {
		t.Error("negative should be invalid")
	}
}

func TestRequiredAndMaxLength(t *testing.T) {
	if Required("cardToken", "  ")() == nil {
		t.Error("blank value should fail Required")
	}
	if Required("cardToken", "tok_1")() != nil {
		t.Error("non-blank value should pass Required")
	}
	if MaxLength("cardToken", strings.Repeat("x", 11), 10)() == nil {
		t.Error("long value should fail MaxLength")
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("cardToken", ""),
		InRange("latitude", ptr(100), -90, 90),
		InRange("longitude", ptr(0), -180, 180),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "cardToken: is required" {
		t.Errorf("unexpected error string %q", errs.Error())
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("empty errors should still describe themselves")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"cardToken":"much too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

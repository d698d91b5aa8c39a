package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agenda/agenda/internal/platform/auth"
)

func limitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func callAs(e *echo.Echo, h echo.HandlerFunc, userID string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, []string{"client"}))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := callAs(e, h, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := callAs(e, h, ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := callAs(e, h, "")
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}

	retryVal, parseErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if parseErr != nil || retryVal < 1 {
		t.Errorf("expected integer Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if remaining := rec.Header().Get("X-RateLimit-Remaining"); remaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", remaining)
	}
}

func TestRateLimit_SlowRateRetryAfter(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 0.2, BurstSize: 1})

	_, _ = callAs(e, h, "")
	rec, err := callAs(e, h, "")
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("expected Retry-After 5, got %q", got)
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := callAs(e, h, "user-a"); err != nil {
		t.Fatalf("user-a first request: expected no error, got %v", err)
	}
	if _, err := callAs(e, h, "user-a"); err == nil {
		t.Fatal("user-a second request: expected rate limit error")
	}
	if _, err := callAs(e, h, "user-b"); err != nil {
		t.Fatalf("user-b first request: expected no error, got %v", err)
	}
	if _, err := callAs(e, h, ""); err != nil {
		t.Fatalf("anonymous request shares no bucket with users: %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 {
		t.Errorf("expected RequestsPerSecond 50, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 100 {
		t.Errorf("expected BurstSize 100, got %d", cfg.BurstSize)
	}
	if cfg.IdleTTL != 10*time.Minute {
		t.Errorf("expected IdleTTL 10m, got %v", cfg.IdleTTL)
	}
}

func TestLimiterStore_ReusesLimiter(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	a := s.get("key1")
	if a != s.get("key1") {
		t.Error("expected same limiter for same key")
	}
	if a == s.get("key2") {
		t.Error("expected different limiter for different key")
	}
}

func TestLimiterStore_SweepsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, IdleTTL: time.Minute})
	s.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		s.get("ip:10.0.0." + strconv.Itoa(i))
	}
	if n := s.size(); n != 100 {
		t.Fatalf("expected 100 buckets, got %d", n)
	}

	now = now.Add(30 * time.Second)
	active := s.get("user:active")

	now = now.Add(45 * time.Second)
	if s.get("user:active") != active {
		t.Error("a bucket in use must survive the sweep")
	}
	if n := s.size(); n != 1 {
		t.Errorf("expected idle buckets swept, %d left", n)
	}
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, checks ...Check) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	if err := HealthHandler(checks...)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_NoChecks(t *testing.T) {
	rec, body := runHealth(t)
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected healthy 200, got %d %v", rec.Code, body)
	}
}

func TestHealthHandler_AllUp(t *testing.T) {
	up := Check{Name: "redis", Ping: func(context.Context) error { return nil }}
	rec, body := runHealth(t, up)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["redis"].(map[string]interface{})["status"] != "up" {
		t.Errorf("expected redis up, got %v", checks["redis"])
	}
}

func TestHealthHandler_OneDown(t *testing.T) {
	up := Check{Name: "redis", Ping: func(context.Context) error { return nil }}
	down := Check{
		Name:  "postgres",
		Ping:  func(context.Context) error { return errors.New("connection refused") },
		Stats: func() interface{} { return &PoolStats{MaxConns: 10} },
	}
	rec, body := runHealth(t, up, down)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	pg := body["checks"].(map[string]interface{})["postgres"].(map[string]interface{})
	if pg["error"] != "connection refused" {
		t.Errorf("expected error message, got %v", pg["error"])
	}
	if stats, ok := pg["stats"].(map[string]interface{}); !ok || stats["max_conns"].(float64) != 10 {
		t.Errorf("expected pool stats, got %v", pg["stats"])
	}
}

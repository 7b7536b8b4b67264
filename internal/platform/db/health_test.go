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

func serveHealth(t *testing.T, h StoreHealth) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/store", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(h)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := serveHealth(t, StoreHealth{
		Backend: "sqlite",
		Ping:    func(ctx context.Context) error { return nil },
	})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", body["status"])
	}
	if body["backend"] != "sqlite" {
		t.Errorf("expected backend sqlite, got %v", body["backend"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a pool")
	}
}

func TestHealthHandler_PingFailure(t *testing.T) {
	rec, body := serveHealth(t, StoreHealth{
		Backend: "redis",
		Ping:    func(ctx context.Context) error { return errors.New("connection refused") },
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected status unhealthy, got %v", body["status"])
	}
	if body["error"] != "connection refused" {
		t.Errorf("expected ping error in body, got %v", body["error"])
	}
}

func TestHealthHandler_NoPinger(t *testing.T) {
	rec, body := serveHealth(t, StoreHealth{Backend: "memory"})
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected healthy 200, got %d %v", rec.Code, body["status"])
	}
}

func TestNewPool_RequiresURL(t *testing.T) {
	if _, err := NewPool(context.Background(), "", 1, 1); err == nil {
		t.Error("expected error for empty database url")
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	if _, err := NewPool(context.Background(), "://not a url", 1, 1); err == nil {
		t.Error("expected error for malformed database url")
	}
}

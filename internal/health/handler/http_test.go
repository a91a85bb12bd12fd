package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

func ready(t *testing.T, srv *Server) (int, statusResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(&mockPinger{pingErr: errors.New("down")}, nil, nil).Live(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 regardless of dependencies", rec.Code)
	}
}

func TestReady_NilPingers(t *testing.T) {
	code, body := ready(t, NewServer(nil, nil, nil))
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
}

func TestReady_AllUp(t *testing.T) {
	code, body := ready(t, NewServer(&mockPinger{}, &mockPinger{}, nil))
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Checks["database"] != "up" || body.Checks["redis"] != "up" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReady_DatabaseDown(t *testing.T) {
	code, body := ready(t, NewServer(&mockPinger{pingErr: errors.New("connection refused")}, &mockPinger{}, nil))
	if code != http.StatusServiceUnavailable || body.Status != "unavailable" {
		t.Errorf("got %d %q, want 503 unavailable", code, body.Status)
	}
	if body.Checks["database"] != "down" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReady_RedisDownIsDegraded(t *testing.T) {
	redis := RedisPinger(func(context.Context) error { return errors.New("i/o timeout") })
	code, body := ready(t, NewServer(&mockPinger{}, redis, nil))
	if code != http.StatusOK || body.Status != "degraded" {
		t.Errorf("got %d %q, want 200 degraded", code, body.Status)
	}
	if body.Checks["redis"] != "down" {
		t.Errorf("checks = %v", body.Checks)
	}
}

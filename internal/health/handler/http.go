// Package handler serves liveness and readiness checks for load balancers and Kubernetes.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency that can report whether it is reachable (e.g. *sqlx.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RedisPinger adapts a go-redis client's Ping to Pinger.
type RedisPinger func(ctx context.Context) error

// PingContext implements Pinger.
func (f RedisPinger) PingContext(ctx context.Context) error { return f(ctx) }

// Server answers /healthz (process up) and /readyz (dependencies reachable).
type Server struct {
	db      Pinger
	redis   Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// NewServer returns a health server. A nil pinger skips that check; the rate limiter's Redis
// fails open, so a missing or unhealthy Redis reports degraded rather than not ready.
func NewServer(db, redis Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: db, redis: redis, timeout: 2 * time.Second, logger: logger}
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live always reports ok while the process serves requests.
func (s *Server) Live(w http.ResponseWriter, _ *http.Request) {
	write(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready pings the database and Redis. Only a database failure makes the service not ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	resp := statusResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.WarnContext(ctx, "readiness: database ping failed", "error", err)
			resp.Checks["database"] = "down"
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "up"
		}
	}
	if s.redis != nil {
		if err := s.redis.PingContext(ctx); err != nil {
			s.logger.WarnContext(ctx, "readiness: redis ping failed", "error", err)
			resp.Checks["redis"] = "down"
			if code == http.StatusOK {
				resp.Status = "degraded"
			}
		} else {
			resp.Checks["redis"] = "up"
		}
	}
	write(w, code, resp)
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

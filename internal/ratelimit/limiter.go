// Package ratelimit throttles the credential endpoints per client with fixed-window Redis
// counters.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:auth:"

// Config holds limiter tuning parameters.
type Config struct {
	// Limit is the number of requests allowed per Window for one key.
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter counts requests per key in Redis. Any hit that finds the counter without an expiry
// sets the window's expiry, so the counter always resets on its own.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	logger *slog.Logger
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{redis: redisClient, config: cfg, logger: logger}
}

// Allow records one request for key and reports whether it is within the limit. INCR and
// PTTL run in one MULTI; a counter without an expiry gets the window applied, so a failed
// EXPIRE on an earlier call cannot pin the key at its count.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := keyPrefix + key
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	count, ttl := incr.Val(), pttl.Val()
	if ttl < 0 {
		if err := l.redis.Expire(ctx, k, l.config.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = l.config.Window
	}
	if count <= int64(l.config.Limit) {
		return Decision{Allowed: true, Count: count}, nil
	}
	return Decision{Allowed: false, Count: count, RetryAfter: ttl}, nil
}

// Middleware limits requests per client IP and route. keyFunc extracts the client key
// from the request. Redis failures let the request through.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r) + ":" + r.URL.Path
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				l.logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"RATE_LIMITED","message":"Too many requests"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

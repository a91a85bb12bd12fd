// Server serves the credential and session API over HTTP.
// Requires DATABASE_URL and the four JWT_* key settings; REDIS_URL enables rate limiting.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	accountrepo "credential-core/backend/internal/account/repository"
	"credential-core/backend/internal/audit"
	authhandler "credential-core/backend/internal/auth/handler"
	"credential-core/backend/internal/auth/pgtx"
	"credential-core/backend/internal/auth/service"
	"credential-core/backend/internal/config"
	"credential-core/backend/internal/db"
	healthhandler "credential-core/backend/internal/health/handler"
	"credential-core/backend/internal/logging"
	"credential-core/backend/internal/ratelimit"
	"credential-core/backend/internal/security"
	"credential-core/backend/internal/server"
	sessionrepo "credential-core/backend/internal/session/repository"
	telemetryotel "credential-core/backend/internal/telemetry/otel"
)

const serviceName = "credential-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", serviceName, "env", cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		fatal(logger, "telemetry", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	kafkaAudit := audit.NewKafkaEmitter(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic, logger)
	defer func() {
		if err := kafkaAudit.Close(); err != nil {
			logger.Warn("audit kafka close", "error", err)
		}
	}()
	events := audit.Multi(audit.NewEmitter(providers.LoggerProvider), kafkaAudit)

	if !cfg.JWTKeysConfigured() {
		fatal(logger, "jwt", errors.New("JWT_ACCESS_PRIVATE_KEY, JWT_ACCESS_PUBLIC_KEY, JWT_REFRESH_PRIVATE_KEY and JWT_REFRESH_PUBLIC_KEY are required"))
	}
	accessKeys, err := security.LoadKeyPair(cfg.JWTAccessPrivateKey, cfg.JWTAccessPublicKey)
	if err != nil {
		fatal(logger, "access key pair", err)
	}
	refreshKeys, err := security.LoadKeyPair(cfg.JWTRefreshPrivateKey, cfg.JWTRefreshPublicKey)
	if err != nil {
		fatal(logger, "refresh key pair", err)
	}
	signer, err := security.NewSigner(accessKeys, refreshKeys, cfg.JWTIssuer, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		fatal(logger, "signer", err)
	}
	hasher := security.NewHasher(cfg.Argon2Params(), cfg.HashWorkers)

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		fatal(logger, "database", err)
	}
	defer conn.Close()

	var (
		limit       func(http.Handler) http.Handler
		redisHealth healthhandler.Pinger
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis url", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter := ratelimit.New(rdb, ratelimit.Config{Limit: cfg.RateLimitAuth, Window: cfg.RateLimitWindow}, logger)
		limit = limiter.Middleware(authhandler.ClientIP)
		redisHealth = healthhandler.RedisPinger(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	} else {
		logger.Warn("REDIS_URL not set; auth rate limiting disabled")
	}

	authSvc := service.NewAuthService(
		accountrepo.NewPostgresRepository(conn),
		sessionrepo.NewPostgresRepository(conn),
		pgtx.New(conn),
		hasher,
		signer,
		service.Policy{MaxActiveSessions: cfg.SessionMaxActive, CandidateLimit: cfg.SessionCandidateLimit},
		events,
		logger,
	)
	auth := authhandler.New(authSvc, signer, authhandler.CookiePolicy{
		Path:      cfg.APIPrefix,
		Domain:    cfg.CookieDomain,
		CrossSite: len(cfg.AllowedOriginsList()) > 0,
	}, logger)

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		fatal(logger, "trusted proxies", err)
	}
	router := server.NewRouter(server.Deps{
		APIPrefix:      cfg.APIPrefix,
		Auth:           auth,
		RateLimit:      limit,
		Health:         healthhandler.NewServer(conn, redisHealth, logger),
		TrustedProxies: trusted,
		Logger:         logger,
	})
	srv := server.NewHTTPServer(cfg.HTTPAddr, router)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr, "prefix", cfg.APIPrefix, "otlp", providers.Exporting)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("serve", "error", err)
	}

	logger.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")
}

func fatal(logger *slog.Logger, what string, err error) {
	logger.Error(what, "error", err)
	os.Exit(1)
}

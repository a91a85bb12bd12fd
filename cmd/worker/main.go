// Worker deletes refresh sessions that expired or were revoked longer ago than SESSION_RETENTION.
// Set DATABASE_URL; SWEEP_INTERVAL and SWEEP_BATCH tune the pass. Pass -once to sweep a single time and exit.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credential-core/backend/internal/config"
	"credential-core/backend/internal/db"
	"credential-core/backend/internal/logging"
	sessionrepo "credential-core/backend/internal/session/repository"
	"credential-core/backend/internal/session/sweeper"
	telemetryotel "credential-core/backend/internal/telemetry/otel"
)

func main() {
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "credential-core-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "credential-core-worker", cfg.OTLPInsecure)
	if err != nil {
		logger.Error("telemetry", "error", err)
		os.Exit(1)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		logger.Error("database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sw := sweeper.New(sessionrepo.NewPostgresRepository(conn), sweeper.Config{
		Retention: cfg.SessionRetention,
		Interval:  cfg.SweepInterval,
		Batch:     cfg.SweepBatch,
	}, logger)

	if *once {
		n, err := sw.SweepOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "deleted", n, "error", err)
			os.Exit(1)
		}
		logger.Info("sweep done", "deleted", n)
		return
	}

	logger.Info("worker: sweeping stale sessions", "retention", cfg.SessionRetention, "interval", cfg.SweepInterval)
	sw.Run(ctx)
	logger.Info("worker: stopped")
}

// Package sweeper deletes refresh sessions that can no longer be used. Expired and revoked
// rows are kept for a retention period so recent logouts and rotations stay inspectable.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Store is the part of the session repository the sweeper needs.
type Store interface {
	DeleteStale(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// Config controls how often and how much the sweeper deletes.
type Config struct {
	// Retention is how long an expired or revoked session is kept.
	Retention time.Duration
	Interval  time.Duration
	// Batch bounds the rows removed per statement so one pass never holds long locks.
	Batch int
}

// Sweeper periodically removes stale sessions.
type Sweeper struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	deleted metric.Int64Counter
	now     func() time.Time
}

// New returns a Sweeper. Zero config fields default to 7 days retention, an hourly pass
// and batches of 1000.
func New(store Store, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := otel.Meter("credential-core/backend/internal/session/sweeper").Int64Counter(
		"sessions.swept",
		metric.WithDescription("Stale refresh sessions deleted by the sweeper"),
	)
	return &Sweeper{store: store, cfg: cfg, logger: logger.With("component", "sweeper"), deleted: counter, now: time.Now}
}

// SweepOnce deletes stale sessions in batches until a batch comes back short. It returns the
// total removed; on error it returns what was removed before the failure.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	var total int64
	for {
		n, err := s.store.DeleteStale(ctx, cutoff, s.cfg.Batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.cfg.Batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if s.deleted != nil && total > 0 {
		s.deleted.Add(ctx, total)
	}
	return total, nil
}

// Run sweeps once immediately and then every Interval until ctx is done. Failed passes are
// logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := s.SweepOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.ErrorContext(ctx, "sweep failed", "deleted", n, "error", err)
		case n > 0:
			s.logger.InfoContext(ctx, "swept stale sessions", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

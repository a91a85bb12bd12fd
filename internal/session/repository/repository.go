package repository

import (
	"context"
	"time"

	"credential-core/backend/internal/session/domain"
)

// Repository defines persistence for refresh sessions. All revokes are conditional on the
// row still being live, so applying any of them twice is harmless.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) (string, error)
	FindLive(ctx context.Context, accountID string, limit int, now time.Time) ([]*domain.Session, error)
	Revoke(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID string, now time.Time) (int64, error)
	RevokeByDevice(ctx context.Context, accountID, deviceID string, now time.Time) (int64, error)
	PruneLive(ctx context.Context, accountID string, keep int, now time.Time) (int64, error)
	DeleteStale(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

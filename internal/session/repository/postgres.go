package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"credential-core/backend/internal/session/domain"
)

const sessionColumns = `id, account_id, hashed_jti, device_id, created_at, expires_at, revoked_at`

// PostgresRepository stores sessions in the refresh_sessions table. db may be a *sqlx.DB
// or a *sqlx.Tx, so the same repository runs inside or outside a transaction.
type PostgresRepository struct {
	db sqlx.ExtContext
}

// NewPostgresRepository returns a session repository that uses db for persistence.
func NewPostgresRepository(db sqlx.ExtContext) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := sqlx.GetContext(ctx, r.db, &s, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts s and returns its id. A ULID is assigned when s.ID is empty, so ids sort
// by creation time.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) (string, error) {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if s.DeviceID == "" {
		s.DeviceID = domain.DefaultDeviceID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_sessions (id, account_id, hashed_jti, device_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.AccountID, s.HashedJTI, s.DeviceID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return s.ID, nil
}

// FindLive returns the account's live sessions, newest first. limit <= 0 returns all of them.
func (r *PostgresRepository) FindLive(ctx context.Context, accountID string, limit int, now time.Time) ([]*domain.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM refresh_sessions
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC, id DESC`
	args := []any{accountID, now}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	var out []*domain.Session
	if err := sqlx.SelectContext(ctx, r.db, &out, q, args...); err != nil {
		return nil, fmt.Errorf("find live sessions: %w", err)
	}
	return out, nil
}

// Revoke marks the session revoked if it is still live and reports whether this call did it.
// Two racing callers can both reach this point; exactly one sees true.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET revoked_at = $2
		 WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2`, id, now)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return n == 1, nil
}

// RevokeAllForAccount revokes every live session of the account and returns how many it revoked.
func (r *PostgresRepository) RevokeAllForAccount(ctx context.Context, accountID string, now time.Time) (int64, error) {
	return r.execCount(ctx, "revoke account sessions",
		`UPDATE refresh_sessions SET revoked_at = $2
		 WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2`, accountID, now)
}

// RevokeByDevice revokes the account's live sessions recorded for deviceID.
func (r *PostgresRepository) RevokeByDevice(ctx context.Context, accountID, deviceID string, now time.Time) (int64, error) {
	return r.execCount(ctx, "revoke device sessions",
		`UPDATE refresh_sessions SET revoked_at = $3
		 WHERE account_id = $1 AND device_id = $2 AND revoked_at IS NULL AND expires_at > $3`,
		accountID, deviceID, now)
}

// PruneLive revokes all but the newest keep live sessions of the account in one statement.
// keep <= 0 disables pruning.
func (r *PostgresRepository) PruneLive(ctx context.Context, accountID string, keep int, now time.Time) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	return r.execCount(ctx, "prune sessions",
		`UPDATE refresh_sessions SET revoked_at = $2
		 WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		   AND id NOT IN (
		     SELECT id FROM refresh_sessions
		     WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		     ORDER BY created_at DESC, id DESC
		     LIMIT $3)`, accountID, now, keep)
}

// DeleteStale removes up to batch sessions that expired or were revoked before cutoff and
// returns how many it removed. Live sessions are never touched.
func (r *PostgresRepository) DeleteStale(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		return 0, nil
	}
	return r.execCount(ctx, "delete stale sessions",
		`DELETE FROM refresh_sessions
		 WHERE id IN (
		   SELECT id FROM refresh_sessions
		   WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
		   ORDER BY id
		   LIMIT $2)`, cutoff, batch)
}

func (r *PostgresRepository) execCount(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

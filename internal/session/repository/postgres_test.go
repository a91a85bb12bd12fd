package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-core/backend/internal/session/domain"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresRepository(sqlx.NewDb(db, "pgx")), mock
}

var (
	sessionCols = []string{"id", "account_id", "hashed_jti", "device_id", "created_at", "expires_at", "revoked_at"}
	now         = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func TestCreate_AssignsULIDAndDefaults(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+refresh_sessions\s*\(id, account_id, hashed_jti, device_id, created_at, expires_at\)`).
		WithArgs(sqlmock.AnyArg(), "acc-1", "$argon2id$hash", domain.DefaultDeviceID, now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &domain.Session{AccountID: "acc-1", HashedJTI: "$argon2id$hash", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	id, err := repo.Create(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, domain.DefaultDeviceID, s.DeviceID)
}

func TestCreate_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`INSERT INTO refresh_sessions`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &domain.Session{ID: "s1", AccountID: "acc-1", CreatedAt: now, ExpiresAt: now})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create session: db down")
}

func TestFindLive_NewestFirstWithLimit(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	rows := sqlmock.NewRows(sessionCols).
		AddRow("s2", "acc-1", "h2", "phone", now, now.Add(time.Hour), nil).
		AddRow("s1", "acc-1", "h1", "default", now.Add(-time.Minute), now.Add(time.Hour), nil)
	mock.ExpectQuery(`(?s)FROM refresh_sessions\s+WHERE account_id = \$1 AND revoked_at IS NULL AND expires_at > \$2\s+ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("acc-1", now, int64(20)).
		WillReturnRows(rows)

	got, err := repo.FindLive(context.Background(), "acc-1", 20, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "phone", got[0].DeviceID)
	assert.Nil(t, got[1].RevokedAt)
}

func TestFindLive_Unbounded(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)ORDER BY created_at DESC, id DESC$`).
		WithArgs("acc-1", now).
		WillReturnRows(sqlmock.NewRows(sessionCols))

	got, err := repo.FindLive(context.Background(), "acc-1", 0, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetByID(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	revoked := now.Add(-time.Minute)
	mock.ExpectQuery(`FROM refresh_sessions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("s1", "acc-1", "h", "default", now, now.Add(time.Hour), revoked))
	mock.ExpectQuery(`FROM refresh_sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	s, err := repo.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, s.RevokedAt)
	assert.True(t, s.RevokedAt.Equal(revoked))

	missing, err := repo.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRevoke_ReportsWhetherThisCallWon(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	q := `(?s)UPDATE refresh_sessions SET revoked_at = \$2\s+WHERE id = \$1 AND revoked_at IS NULL AND expires_at > \$2`
	mock.ExpectExec(q).WithArgs("s1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("s1", now).WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Revoke(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Revoke(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.False(t, won, "second revoke of the same row must be a no-op")
}

func TestRevoke_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`UPDATE refresh_sessions`).WillReturnError(context.DeadlineExceeded)

	won, err := repo.Revoke(context.Background(), "s1", now)
	assert.False(t, won)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevokeAllForAccount(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)UPDATE refresh_sessions SET revoked_at = \$2\s+WHERE account_id = \$1 AND revoked_at IS NULL`).
		WithArgs("acc-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeAllForAccount(context.Background(), "acc-1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRevokeByDevice(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)WHERE account_id = \$1 AND device_id = \$2 AND revoked_at IS NULL`).
		WithArgs("acc-1", "laptop", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.RevokeByDevice(context.Background(), "acc-1", "laptop", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPruneLive(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)AND id NOT IN \(\s*SELECT id FROM refresh_sessions.*ORDER BY created_at DESC, id DESC\s+LIMIT \$3\)`).
		WithArgs("acc-1", now, int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.PruneLive(context.Background(), "acc-1", 10, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.PruneLive(context.Background(), "acc-1", 0, now)
	require.NoError(t, err)
	assert.Zero(t, n, "keep <= 0 must not touch the store")
}

func TestDeleteStale(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)^DELETE FROM refresh_sessions\s+WHERE id IN \(.*expires_at < \$1 OR \(revoked_at IS NOT NULL AND revoked_at < \$1\).*LIMIT \$2\)`).
		WithArgs(now, int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteStale(context.Background(), now, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	n, err = repo.DeleteStale(context.Background(), now, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteStale_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM refresh_sessions`).WillReturnError(errors.New("db down"))

	_, err := repo.DeleteStale(context.Background(), now, 10)
	assert.ErrorContains(t, err, "delete stale sessions: db down")
}

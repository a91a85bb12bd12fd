package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"credential-core/backend/internal/account/domain"
)

const (
	accountColumns = `id, email, password_hash, full_name, jurisdiction, terms_version_accepted, created_at`
	uniqueViolation = "23505"
)

// PostgresRepository stores accounts in Postgres. db may be a *sqlx.DB or a *sqlx.Tx.
type PostgresRepository struct {
	db sqlx.ExtContext
}

// NewPostgresRepository returns an account repository that uses db for persistence.
func NewPostgresRepository(db sqlx.ExtContext) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the account for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// GetByEmail returns the account for the normalized email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, domain.NormalizeEmail(email))
}

func (r *PostgresRepository) getOne(ctx context.Context, q string, arg any) (*domain.Account, error) {
	var a domain.Account
	if err := sqlx.GetContext(ctx, r.db, &a, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// Create inserts a. It returns ErrDuplicateEmail when the unique email index rejects the row,
// which also covers two signups racing past an earlier existence check.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Email = domain.NormalizeEmail(a.Email)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, r.db,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (:id, :email, :password_hash, :full_name, :jurisdiction, :terms_version_accepted, :created_at)`, a)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// RecordTermsAcceptance inserts one terms acceptance row.
func (r *PostgresRepository) RecordTermsAcceptance(ctx context.Context, t *domain.TermsAcceptance) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.AcceptedAt.IsZero() {
		t.AcceptedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, r.db,
		`INSERT INTO terms_acceptances (id, account_id, version, jurisdiction, ip_address, user_agent, accepted_at)
		 VALUES (:id, :account_id, :version, :jurisdiction, :ip_address, :user_agent, :accepted_at)`, t)
	if err != nil {
		return fmt.Errorf("record terms acceptance: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Package pgtx binds the auth service's transactional writes to Postgres.
package pgtx

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	accountrepo "credential-core/backend/internal/account/repository"
	"credential-core/backend/internal/auth/service"
	"credential-core/backend/internal/db"
	sessionrepo "credential-core/backend/internal/session/repository"
)

// Transactor runs auth service work in a read-committed Postgres transaction. The
// conditional revoke inside rotation is what serializes racing rotations, so a stronger
// isolation level is not needed.
type Transactor struct {
	db   *sqlx.DB
	opts *sql.TxOptions
}

// New returns a Transactor over db.
func New(conn *sqlx.DB) *Transactor {
	return &Transactor{db: conn, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// WithinTx implements service.Transactor.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, r service.Repos) error) error {
	return db.WithTx(ctx, t.db, t.opts, func(ctx context.Context, tx sqlx.ExtContext) error {
		return fn(ctx, service.Repos{
			Accounts: accountrepo.NewPostgresRepository(tx),
			Sessions: sessionrepo.NewPostgresRepository(tx),
		})
	})
}

var _ service.Transactor = (*Transactor)(nil)

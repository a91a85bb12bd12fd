package repository

import (
	"context"
	"errors"

	"credential-core/backend/internal/account/domain"
)

// ErrDuplicateEmail is returned by Create when the email is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// Repository defines persistence for accounts and their terms acceptances.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	RecordTermsAcceptance(ctx context.Context, t *domain.TermsAcceptance) error
}

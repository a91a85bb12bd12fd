package domain

import (
	"strings"
	"time"
)

// Account is a password identity. Email is stored normalized and is unique.
type Account struct {
	ID                   string    `db:"id"`
	Email                string    `db:"email"`
	PasswordHash         string    `db:"password_hash"`
	FullName             *string   `db:"full_name"`
	Jurisdiction         *string   `db:"jurisdiction"`
	TermsVersionAccepted *string   `db:"terms_version_accepted"`
	CreatedAt            time.Time `db:"created_at"`
}

// TermsAcceptance records which terms version an account accepted at signup and from where.
type TermsAcceptance struct {
	ID           string    `db:"id"`
	AccountID    string    `db:"account_id"`
	Version      string    `db:"version"`
	Jurisdiction *string   `db:"jurisdiction"`
	IPAddress    *string   `db:"ip_address"`
	UserAgent    *string   `db:"user_agent"`
	AcceptedAt   time.Time `db:"accepted_at"`
}

// NormalizeEmail trims and lower-cases an email for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// OptionalString returns nil for blank input so empty profile fields are stored as NULL.
func OptionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

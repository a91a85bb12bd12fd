package handler

import "context"

type contextKey struct{ name string }

var (
	accountIDKey = contextKey{"account_id"}
	emailKey     = contextKey{"email"}
)

// WithAccount returns a context carrying the authenticated account.
func WithAccount(ctx context.Context, accountID, email string) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, accountID)
	return context.WithValue(ctx, emailKey, email)
}

// AccountID returns the account set by RequireAccess and true if set; otherwise "", false.
func AccountID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountIDKey).(string)
	return v, ok && v != ""
}

// AccountEmail returns the email claim of the access token.
func AccountEmail(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(emailKey).(string)
	return v, ok
}

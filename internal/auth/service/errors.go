package service

import "errors"

// Sentinel errors for the auth service; the HTTP handler maps them to status codes.
var (
	// ErrUnauthorized covers every credential failure. Callers cannot tell an unknown email
	// from a wrong password, or a forged refresh token from a revoked one.
	ErrUnauthorized = errors.New("invalid credentials")
	ErrConflict     = errors.New("email already registered")
	ErrNotFound     = errors.New("not found")
)

// ValidationError reports a malformed request field. It is raised before the core runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

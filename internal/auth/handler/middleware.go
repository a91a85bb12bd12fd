package handler

import (
	"net"
	"net/http"
	"strings"

	"credential-core/backend/internal/audit"
)

const bearerPrefix = "bearer "

// RequireAccess rejects requests without a valid access bearer token and stores the
// token's account in the request context.
func (h *Handler) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			h.writeError(w, r, errUnauthenticated)
			return
		}
		p, err := h.verifier.VerifyAccess(token)
		if err != nil {
			h.writeError(w, r, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), p.AccountID, p.Email)))
	})
}

// withClient records the caller's address and user agent for audit and terms records.
// RemoteAddr is the TCP peer unless the router trusted a proxy's forwarding headers.
func withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithClient(r.Context(), ClientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the request's remote host without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

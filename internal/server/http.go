package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"credential-core/backend/internal/logging"
)

// Deps holds what the router mounts. Auth is required; the rest are optional.
type Deps struct {
	// APIPrefix is the path the auth routes hang off (e.g. /api gives /api/auth/login).
	APIPrefix string
	// Auth serves the /auth routes. Its limit argument receives RateLimit.
	Auth interface {
		Routes(limit func(http.Handler) http.Handler) http.Handler
	}
	// RateLimit guards signup, login and refresh. If nil, those routes are not limited.
	RateLimit func(http.Handler) http.Handler
	// Health serves /healthz and /readyz at the root. If nil, neither route is mounted.
	Health interface {
		Live(http.ResponseWriter, *http.Request)
		Ready(http.ResponseWriter, *http.Request)
	}
	// TrustedProxies lists the peers whose forwarding headers name the client. If empty,
	// RemoteAddr is always the TCP peer.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler for the server binary.
//
// Route → handler mapping:
//   - {prefix}/auth/* → internal/auth/handler
//   - /healthz, /readyz → internal/health/handler
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(TrustedRealIP(deps.TrustedProxies))
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Live)
		r.Get("/readyz", deps.Health.Ready)
	}

	prefix := "/" + strings.Trim(deps.APIPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	r.Mount(prefix+"/auth", deps.Auth.Routes(deps.RateLimit))
	return r
}

// NewHTTPServer wraps handler with the timeouts every listener should carry.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

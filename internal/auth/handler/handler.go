// Package handler exposes the auth service over HTTP: JSON bodies, a refresh-token cookie,
// and bearer access tokens for the account routes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"credential-core/backend/internal/auth/service"
	"credential-core/backend/internal/security"
)

// RefreshCookieName is the cookie that carries the refresh token.
const RefreshCookieName = "refresh"

const maxBodyBytes = 1 << 20

var errUnauthenticated = errors.New("missing or invalid authorization")

// AuthService is the auth core as seen by the HTTP layer.
type AuthService interface {
	Signup(ctx context.Context, in service.SignupInput) (*service.AuthResult, error)
	Login(ctx context.Context, in service.LoginInput) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*security.TokenPair, error)
	Logout(ctx context.Context, refreshToken string)
	LogoutAll(ctx context.Context, accountID string) error
	Me(ctx context.Context, accountID string) (*service.AccountSummary, error)
	RefreshTTL() time.Duration
}

// AccessVerifier checks access tokens. *security.Signer satisfies it.
type AccessVerifier interface {
	VerifyAccess(token string) (security.AccessPayload, error)
}

// CookiePolicy controls the refresh cookie attributes.
type CookiePolicy struct {
	Path   string
	Domain string
	// CrossSite sets SameSite=None for deployments with cross-origin callers; otherwise Lax.
	CrossSite bool
}

// Handler serves the /auth routes.
type Handler struct {
	svc      AuthService
	verifier AccessVerifier
	cookie   CookiePolicy
	logger   *slog.Logger
}

// New returns a Handler. A nil logger falls back to slog.Default.
func New(svc AuthService, verifier AccessVerifier, cookie CookiePolicy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return &Handler{svc: svc, verifier: verifier, cookie: cookie, logger: logger}
}

// Routes returns the /auth router. limit, when non-nil, guards signup, login and refresh.
func (h *Handler) Routes(limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(withClient)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
	})
	r.Post("/logout", h.Logout)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAccess)
		r.Post("/logout-all", h.LogoutAll)
		r.Get("/me", h.Me)
	})
	return r
}

type accountResponse struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	FullName             *string   `json:"fullName"`
	Jurisdiction         *string   `json:"jurisdiction"`
	TermsVersionAccepted *string   `json:"termsVersionAccepted"`
	CreatedAt            time.Time `json:"createdAt"`
}

type authResponse struct {
	Account     accountResponse `json:"account"`
	AccessToken string          `json:"accessToken"`
	ExpiresIn   int64           `json:"expiresIn"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Signup handles POST /auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.validate()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Signup(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setRefreshCookie(w, res.Tokens.Refresh)
	writeJSON(w, http.StatusCreated, authBody(res))
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.validate()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setRefreshCookie(w, res.Tokens.Refresh)
	writeJSON(w, http.StatusOK, authBody(res))
}

// Refresh handles POST /auth/refresh. The token comes from the refresh cookie or, failing
// that, an Authorization bearer header.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshToken(r)
	if token == "" {
		h.writeError(w, r, service.ErrUnauthorized)
		return
	}
	pair, err := h.svc.Refresh(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setRefreshCookie(w, pair.Refresh)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.Access, ExpiresIn: expiresIn(pair.AccessExpiresAt)})
}

// Logout handles POST /auth/logout. It always succeeds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := refreshToken(r); token != "" {
		h.svc.Logout(r.Context(), token)
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// LogoutAll handles POST /auth/logout-all.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountID(r.Context())
	if err := h.svc.LogoutAll(r.Context(), accountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountID(r.Context())
	sum, err := h.svc.Me(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*sum))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, &service.ValidationError{Message: "malformed JSON body"})
		return false
	}
	return true
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	ttl := h.svc.RefreshTTL()
	c := h.baseCookie()
	c.Value = token
	c.MaxAge = int(ttl / time.Second)
	c.Expires = time.Now().Add(ttl)
	http.SetCookie(w, c)
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	c := h.baseCookie()
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

func (h *Handler) baseCookie() *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if h.cookie.CrossSite {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     RefreshCookieName,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: sameSite,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// writeError maps service errors to status codes. Credential failures of every kind share
// one message; unexpected errors are logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "VALIDATION_ERROR", Message: ve.Error(), RequestID: reqID})
	case errors.Is(err, errUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Message: "Unauthorized", RequestID: reqID})
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Message: "Invalid credentials", RequestID: reqID})
	case errors.Is(err, service.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "CONFLICT", Message: "Email already registered", RequestID: reqID})
	default:
		h.logger.ErrorContext(r.Context(), "auth request failed", "path", r.URL.Path, "request_id", reqID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Message: "Internal error", RequestID: reqID})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func refreshToken(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return extractBearer(r)
}

func authBody(res *service.AuthResult) authResponse {
	return authResponse{
		Account:     toAccountResponse(res.Account),
		AccessToken: res.Tokens.Access,
		ExpiresIn:   expiresIn(res.Tokens.AccessExpiresAt),
	}
}

func toAccountResponse(a service.AccountSummary) accountResponse {
	return accountResponse{
		ID:                   a.ID,
		Email:                a.Email,
		FullName:             a.FullName,
		Jurisdiction:         a.Jurisdiction,
		TermsVersionAccepted: a.TermsVersionAccepted,
		CreatedAt:            a.CreatedAt,
	}
}

func expiresIn(at time.Time) int64 {
	secs := int64(time.Until(at).Round(time.Second) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

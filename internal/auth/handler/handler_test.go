package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"credential-core/backend/internal/audit"
	"credential-core/backend/internal/auth/service"
	"credential-core/backend/internal/security"
)

type fakeService struct {
	signupIn  service.SignupInput
	loginIn   service.LoginInput
	refreshed string
	loggedOut string
	logoutAll string
	meID      string
	client    audit.Client
	err       error
}

func (f *fakeService) result(email string) *service.AuthResult {
	return &service.AuthResult{
		Account: service.AccountSummary{ID: "acc-1", Email: email},
		Tokens: security.TokenPair{
			Access:          "access-token",
			Refresh:         "refresh-token",
			AccessExpiresAt: time.Now().Add(15 * time.Minute),
		},
	}
}

func (f *fakeService) Signup(ctx context.Context, in service.SignupInput) (*service.AuthResult, error) {
	f.signupIn = in
	f.client, _ = audit.ClientFrom(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.result(in.Email), nil
}

func (f *fakeService) Login(ctx context.Context, in service.LoginInput) (*service.AuthResult, error) {
	f.loginIn = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result(in.Email), nil
}

func (f *fakeService) Refresh(ctx context.Context, token string) (*security.TokenPair, error) {
	f.refreshed = token
	if f.err != nil {
		return nil, f.err
	}
	return &security.TokenPair{Access: "access-2", Refresh: "refresh-2", AccessExpiresAt: time.Now().Add(15 * time.Minute)}, nil
}

func (f *fakeService) Logout(ctx context.Context, token string) { f.loggedOut = token }

func (f *fakeService) LogoutAll(ctx context.Context, accountID string) error {
	f.logoutAll = accountID
	return f.err
}

func (f *fakeService) Me(ctx context.Context, accountID string) (*service.AccountSummary, error) {
	f.meID = accountID
	if f.err != nil {
		return nil, f.err
	}
	return &service.AccountSummary{ID: accountID, Email: "a@x.com"}, nil
}

func (f *fakeService) RefreshTTL() time.Duration { return 30 * 24 * time.Hour }

type fakeVerifier struct{}

func (fakeVerifier) VerifyAccess(token string) (security.AccessPayload, error) {
	if token != "good-access" {
		return security.AccessPayload{}, security.ErrInvalidToken
	}
	return security.AccessPayload{AccountID: "acc-1", Email: "a@x.com"}, nil
}

func newServer(svc *fakeService, policy CookiePolicy, limit func(http.Handler) http.Handler) http.Handler {
	h := New(svc, fakeVerifier{}, policy, nil)
	return middleware.RequestID(h.Routes(limit))
}

func do(t *testing.T, srv http.Handler, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	return nil
}

const validSignup = `{"email":"a@x.com","password":"password123","fullName":"Ada","termsVersionAccepted":"2024-01","deviceId":"laptop"}`

func TestSignup_SetsCookieAndReturnsAccount(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(svc, CookiePolicy{Path: "/api", Domain: "example.com"}, nil)

	rec := do(t, srv, http.MethodPost, "/signup", validSignup, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.5:5555"
		r.Header.Set("User-Agent", "ua/1")
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["accessToken"] != "access-token" {
		t.Errorf("accessToken = %v", body["accessToken"])
	}
	if _, ok := body["refreshToken"]; ok {
		t.Error("refresh token must not be in the JSON body")
	}
	if exp, _ := body["expiresIn"].(float64); exp < 890 || exp > 900 {
		t.Errorf("expiresIn = %v, want about 900", body["expiresIn"])
	}
	c := refreshCookie(rec)
	if c == nil {
		t.Fatal("refresh cookie not set")
	}
	if c.Value != "refresh-token" || !c.HttpOnly || !c.Secure || c.Path != "/api" || c.Domain != "example.com" || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie = %+v", c)
	}
	if c.MaxAge != int((30 * 24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d", c.MaxAge)
	}
	if svc.signupIn.TermsVersion != "2024-01" || svc.signupIn.DeviceID != "laptop" || svc.signupIn.FullName != "Ada" {
		t.Errorf("service input = %+v", svc.signupIn)
	}
	if svc.client.IP != "203.0.113.5" || svc.client.UserAgent != "ua/1" {
		t.Errorf("client = %+v", svc.client)
	}
}

func TestCookie_CrossSiteUsesSameSiteNone(t *testing.T) {
	srv := newServer(&fakeService{}, CookiePolicy{Path: "/api", CrossSite: true}, nil)
	rec := do(t, srv, http.MethodPost, "/login", `{"email":"a@x.com","password":"password123"}`, nil)
	if c := refreshCookie(rec); c == nil || c.SameSite != http.SameSiteNoneMode {
		t.Errorf("cookie = %+v, want SameSite=None", c)
	}
}

func TestSignup_Validation(t *testing.T) {
	long := strings.Repeat("a", 129)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"email":`, ""},
		{"missing email", `{"password":"password123","termsVersionAccepted":"v1"}`, "email"},
		{"bad email", `{"email":"nope","password":"password123","termsVersionAccepted":"v1"}`, "email"},
		{"short password", `{"email":"a@x.com","password":"short","termsVersionAccepted":"v1"}`, "password"},
		{"long password", `{"email":"a@x.com","password":"` + long + `","termsVersionAccepted":"v1"}`, "password"},
		{"short name", `{"email":"a@x.com","password":"password123","fullName":"A","termsVersionAccepted":"v1"}`, "fullName"},
		{"long jurisdiction", `{"email":"a@x.com","password":"password123","jurisdiction":"ABCDEFGHI","termsVersionAccepted":"v1"}`, "jurisdiction"},
		{"missing terms", `{"email":"a@x.com","password":"password123"}`, "termsVersionAccepted"},
		{"long device", `{"email":"a@x.com","password":"password123","termsVersionAccepted":"v1","deviceId":"` + strings.Repeat("d", 101) + `"}`, "deviceId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := do(t, newServer(svc, CookiePolicy{}, nil), http.MethodPost, "/signup", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			body := decodeBody(t, rec)
			if body["error"] != "VALIDATION_ERROR" {
				t.Errorf("error = %v", body["error"])
			}
			if msg, _ := body["message"].(string); tt.field != "" && !strings.HasPrefix(msg, tt.field+":") {
				t.Errorf("message = %q, want field %s", msg, tt.field)
			}
			if body["requestId"] == "" {
				t.Error("requestId missing")
			}
			if svc.signupIn.Email != "" {
				t.Error("service must not be called on invalid input")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
		msg    string
	}{
		{service.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials"},
		{service.ErrNotFound, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials"},
		{service.ErrConflict, http.StatusConflict, "CONFLICT", "Email already registered"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "INTERNAL", "Internal error"},
	}
	for _, tt := range tests {
		svc := &fakeService{err: tt.err}
		rec := do(t, newServer(svc, CookiePolicy{}, nil), http.MethodPost, "/login", `{"email":"a@x.com","password":"password123"}`, nil)
		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
			continue
		}
		body := decodeBody(t, rec)
		if body["error"] != tt.code || body["message"] != tt.msg {
			t.Errorf("%v: body = %v", tt.err, body)
		}
		if refreshCookie(rec) != nil {
			t.Errorf("%v: no cookie on failure", tt.err)
		}
	}
}

func TestRefresh_ReadsCookieThenBearer(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(svc, CookiePolicy{Path: "/api"}, nil)

	rec := do(t, srv, http.MethodPost, "/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: "from-cookie"})
		r.Header.Set("Authorization", "Bearer from-header")
	})
	if rec.Code != http.StatusOK || svc.refreshed != "from-cookie" {
		t.Fatalf("status %d, refreshed %q", rec.Code, svc.refreshed)
	}
	body := decodeBody(t, rec)
	if body["accessToken"] != "access-2" {
		t.Errorf("accessToken = %v", body["accessToken"])
	}
	if c := refreshCookie(rec); c == nil || c.Value != "refresh-2" {
		t.Errorf("rotated cookie = %+v", c)
	}

	rec = do(t, srv, http.MethodPost, "/refresh", "", func(r *http.Request) {
		r.Header.Set("Authorization", "bearer from-header")
	})
	if rec.Code != http.StatusOK || svc.refreshed != "from-header" {
		t.Fatalf("bearer fallback: status %d, refreshed %q", rec.Code, svc.refreshed)
	}
}

func TestRefresh_MissingTokenIsUnauthorized(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, newServer(svc, CookiePolicy{}, nil), http.MethodPost, "/refresh", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if svc.refreshed != "" {
		t.Error("service should not be called without a token")
	}
}

func TestLogout_AlwaysOKAndClearsCookie(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(svc, CookiePolicy{Path: "/api"}, nil)

	for _, mutate := range []func(*http.Request){
		nil,
		func(r *http.Request) { r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: "garbage"}) },
	} {
		rec := do(t, srv, http.MethodPost, "/logout", "", mutate)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if body := decodeBody(t, rec); body["ok"] != true {
			t.Errorf("body = %v", body)
		}
		c := refreshCookie(rec)
		if c == nil || c.MaxAge >= 0 || c.Value != "" {
			t.Errorf("cookie should be cleared, got %+v", c)
		}
	}
	if svc.loggedOut != "garbage" {
		t.Errorf("loggedOut = %q", svc.loggedOut)
	}
}

func TestAccessRoutes_RequireBearer(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(svc, CookiePolicy{}, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/me"},
		{http.MethodPost, "/logout-all"},
	} {
		rec := do(t, srv, route.method, route.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", route.path, rec.Code)
		}
		rec = do(t, srv, route.method, route.path, "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer forged")
		})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status = %d", route.path, rec.Code)
		}
	}
	if svc.meID != "" || svc.logoutAll != "" {
		t.Error("service must not be reached without a valid access token")
	}
}

func TestMeAndLogoutAll(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(svc, CookiePolicy{}, nil)
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer good-access") }

	rec := do(t, srv, http.MethodGet, "/me", "", auth)
	if rec.Code != http.StatusOK || svc.meID != "acc-1" {
		t.Fatalf("me: status %d, id %q", rec.Code, svc.meID)
	}
	if body := decodeBody(t, rec); body["email"] != "a@x.com" {
		t.Errorf("me body = %v", body)
	}

	rec = do(t, srv, http.MethodPost, "/logout-all", "", auth)
	if rec.Code != http.StatusOK || svc.logoutAll != "acc-1" {
		t.Fatalf("logout-all: status %d, id %q", rec.Code, svc.logoutAll)
	}
	if c := refreshCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Error("logout-all should clear the cookie")
	}
}

func TestRateLimitGuardsCredentialRoutesOnly(t *testing.T) {
	blocked := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	srv := newServer(&fakeService{}, CookiePolicy{}, blocked)
	for _, path := range []string{"/signup", "/login", "/refresh"} {
		if rec := do(t, srv, http.MethodPost, path, "{}", nil); rec.Code != http.StatusTooManyRequests {
			t.Errorf("%s: status = %d, want 429", path, rec.Code)
		}
	}
	if rec := do(t, srv, http.MethodPost, "/logout", "", nil); rec.Code != http.StatusOK {
		t.Errorf("logout: status = %d, want 200", rec.Code)
	}
}

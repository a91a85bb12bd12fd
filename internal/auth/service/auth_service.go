package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	accountdomain "credential-core/backend/internal/account/domain"
	accountrepo "credential-core/backend/internal/account/repository"
	"credential-core/backend/internal/audit"
	"credential-core/backend/internal/security"
	sessiondomain "credential-core/backend/internal/session/domain"
)

// timingSecret is hashed once and verified against on logins for unknown emails, so they
// cost the same Argon2 work as a wrong password.
const timingSecret = "credential-core/timing-equalizer"

// AccountRepo is the minimal account repository needed by the auth service.
type AccountRepo interface {
	GetByID(ctx context.Context, id string) (*accountdomain.Account, error)
	GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error)
	Create(ctx context.Context, a *accountdomain.Account) error
	RecordTermsAcceptance(ctx context.Context, t *accountdomain.TermsAcceptance) error
}

// SessionRepo is the minimal session repository needed by the auth service.
type SessionRepo interface {
	FindLive(ctx context.Context, accountID string, limit int, now time.Time) ([]*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) (string, error)
	Revoke(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID string, now time.Time) (int64, error)
	RevokeByDevice(ctx context.Context, accountID, deviceID string, now time.Time) (int64, error)
	PruneLive(ctx context.Context, accountID string, keep int, now time.Time) (int64, error)
}

// Repos are repositories bound to one transaction.
type Repos struct {
	Accounts AccountRepo
	Sessions SessionRepo
}

// Transactor runs fn in a single transaction. fn's error rolls back every write made
// through the Repos it was given.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// SecretHasher hashes passwords and refresh jtis. *security.Hasher satisfies it.
type SecretHasher interface {
	Hash(ctx context.Context, secret string) (string, error)
	Verify(ctx context.Context, blob, secret string) (bool, error)
}

// CredentialSigner mints and checks token pairs. *security.Signer satisfies it.
type CredentialSigner interface {
	IssuePair(accountID, email string) (security.TokenPair, error)
	VerifyRefresh(token string) (security.RefreshPayload, error)
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

// Policy bounds per-account session state.
type Policy struct {
	// MaxActiveSessions is the live-session cap; the oldest are revoked beyond it.
	MaxActiveSessions int
	// CandidateLimit is how many live sessions a refresh token is checked against. It is
	// raised to MaxActiveSessions when lower.
	CandidateLimit int
}

// DefaultPolicy returns a cap of 10 live sessions and 20 refresh candidates.
func DefaultPolicy() Policy {
	return Policy{MaxActiveSessions: 10, CandidateLimit: 20}
}

// SignupInput is a validated signup request.
type SignupInput struct {
	Email        string
	Password     string
	FullName     string
	Jurisdiction string
	TermsVersion string
	DeviceID     string
}

// LoginInput is a validated login request.
type LoginInput struct {
	Email    string
	Password string
	DeviceID string
}

// AccountSummary is the public view of an account.
type AccountSummary struct {
	ID                   string
	Email                string
	FullName             *string
	Jurisdiction         *string
	TermsVersionAccepted *string
	CreatedAt            time.Time
}

// AuthResult is returned by Signup and Login.
type AuthResult struct {
	Account AccountSummary
	Tokens  security.TokenPair
}

// AuthService implements signup, login, refresh rotation, logout and logout-all.
// It holds no locks; concurrent rotations of one token are settled by the store's
// conditional revoke.
type AuthService struct {
	accounts  AccountRepo
	sessions  SessionRepo
	tx        Transactor
	hasher    SecretHasher
	signer    CredentialSigner
	policy    Policy
	events    audit.Emitter
	logger    *slog.Logger
	inst      *instruments
	now       func() time.Time

	timingMu   sync.Mutex
	timingBlob string
}

// NewAuthService returns an AuthService with the given dependencies. accounts and sessions
// serve reads and single-statement writes outside a transaction. Zero policy fields take
// the DefaultPolicy values; nil events and logger fall back to no-op and slog.Default.
func NewAuthService(
	accounts AccountRepo,
	sessions SessionRepo,
	tx Transactor,
	hasher SecretHasher,
	signer CredentialSigner,
	policy Policy,
	events audit.Emitter,
	logger *slog.Logger,
) *AuthService {
	def := DefaultPolicy()
	if policy.MaxActiveSessions <= 0 {
		policy.MaxActiveSessions = def.MaxActiveSessions
	}
	if policy.CandidateLimit <= 0 {
		policy.CandidateLimit = def.CandidateLimit
	}
	// Every session within the cap must stay reachable by refresh.
	if policy.CandidateLimit < policy.MaxActiveSessions {
		policy.CandidateLimit = policy.MaxActiveSessions
	}
	if events == nil {
		events = audit.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc := &AuthService{
		accounts: accounts,
		sessions: sessions,
		tx:       tx,
		hasher:   hasher,
		signer:   signer,
		policy:   policy,
		events:   events,
		logger:   logger.With("component", "auth"),
		inst:     newInstruments(),
		now:      time.Now,
	}
	if _, err := svc.timingHash(context.Background()); err != nil {
		svc.logger.Warn("timing hash not ready, will retry on first use", "error", err)
	}
	return svc
}

// AccessTTL is the lifetime of issued access tokens.
func (s *AuthService) AccessTTL() time.Duration { return s.signer.AccessTTL() }

// RefreshTTL is the lifetime of issued refresh tokens.
func (s *AuthService) RefreshTTL() time.Duration { return s.signer.RefreshTTL() }

// Signup creates an account and its first session. The account, the optional terms
// acceptance and the session are written in one transaction; on any failure none of
// them persist. Returns ErrConflict when the email is already registered.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (res *AuthResult, err error) {
	ctx, span := s.inst.start(ctx, "signup")
	defer func() {
		add(ctx, s.inst.signups, 1, outcomeOf(span, err))
		span.End()
	}()

	email := accountdomain.NormalizeEmail(in.Email)
	existing, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if existing != nil {
		return nil, ErrConflict
	}

	passwordHash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	acct := &accountdomain.Account{
		ID:                   uuid.NewString(),
		Email:                email,
		PasswordHash:         passwordHash,
		FullName:             accountdomain.OptionalString(in.FullName),
		Jurisdiction:         accountdomain.OptionalString(in.Jurisdiction),
		TermsVersionAccepted: accountdomain.OptionalString(in.TermsVersion),
		CreatedAt:            now,
	}
	pair, sess, err := s.issue(ctx, acct, in.DeviceID, now)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		dup, err := r.Accounts.GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		if dup != nil {
			return ErrConflict
		}
		if err := r.Accounts.Create(ctx, acct); err != nil {
			if errors.Is(err, accountrepo.ErrDuplicateEmail) {
				return ErrConflict
			}
			return err
		}
		if acct.TermsVersionAccepted != nil {
			client, _ := audit.ClientFrom(ctx)
			if err := r.Accounts.RecordTermsAcceptance(ctx, &accountdomain.TermsAcceptance{
				ID:           uuid.NewString(),
				AccountID:    acct.ID,
				Version:      *acct.TermsVersionAccepted,
				Jurisdiction: acct.Jurisdiction,
				IPAddress:    accountdomain.OptionalString(client.IP),
				UserAgent:    accountdomain.OptionalString(client.UserAgent),
				AcceptedAt:   now,
			}); err != nil {
				return err
			}
		}
		_, err = r.Sessions.Create(ctx, sess)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("signup: %w", err)
	}

	s.emit(ctx, audit.Event{Type: audit.EventSignup, AccountID: acct.ID, SessionID: sess.ID, DeviceID: sess.DeviceID})
	return &AuthResult{Account: summarize(acct), Tokens: pair}, nil
}

// Login verifies email and password and opens a session. Unknown email and wrong password
// both return ErrUnauthorized after the same hashing work. When DeviceID is set, the
// account's other live sessions for that device are revoked first.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (res *AuthResult, err error) {
	ctx, span := s.inst.start(ctx, "login")
	defer func() {
		add(ctx, s.inst.logins, 1, outcomeOf(span, err))
		span.End()
	}()

	acct, err := s.accounts.GetByEmail(ctx, accountdomain.NormalizeEmail(in.Email))
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		s.equalizeTiming(ctx, in.Password)
		s.emit(ctx, audit.Event{Type: audit.EventLoginFailure, Reason: "unknown_email"})
		return nil, ErrUnauthorized
	}
	ok, err := s.hasher.Verify(ctx, acct.PasswordHash, in.Password)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		s.emit(ctx, audit.Event{Type: audit.EventLoginFailure, AccountID: acct.ID, Reason: "bad_password"})
		return nil, ErrUnauthorized
	}

	now := s.now().UTC()
	device := strings.TrimSpace(in.DeviceID)
	pair, sess, err := s.issue(ctx, acct, device, now)
	if err != nil {
		return nil, err
	}
	var replaced int64
	err = s.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		if device != "" {
			n, err := r.Sessions.RevokeByDevice(ctx, acct.ID, device, now)
			if err != nil {
				return err
			}
			replaced = n
		}
		_, err := r.Sessions.Create(ctx, sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if replaced > 0 {
		s.emit(ctx, audit.Event{Type: audit.EventDeviceReplaced, AccountID: acct.ID, DeviceID: device, Count: replaced})
	}
	s.enforceCap(ctx, acct.ID, now)

	s.emit(ctx, audit.Event{Type: audit.EventLoginSuccess, AccountID: acct.ID, SessionID: sess.ID, DeviceID: sess.DeviceID})
	return &AuthResult{Account: summarize(acct), Tokens: pair}, nil
}

// Refresh rotates a refresh token: the matched session is revoked and a new one created in
// one transaction. A token is accepted at most once; when two rotations race, the one that
// loses the conditional revoke gets ErrUnauthorized and nothing it wrote persists.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair *security.TokenPair, err error) {
	ctx, span := s.inst.start(ctx, "refresh")
	defer func() {
		add(ctx, s.inst.rotations, 1, outcomeOf(span, err))
		span.End()
	}()

	matched, err := s.match(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.emit(ctx, audit.Event{Type: audit.EventRefreshRejected, Reason: "no_live_session"})
		}
		return nil, err
	}
	acct, err := s.accounts.GetByID(ctx, matched.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		return nil, ErrUnauthorized
	}

	now := s.now().UTC()
	issued, next, err := s.issue(ctx, acct, matched.DeviceID, now)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		won, err := r.Sessions.Revoke(ctx, matched.ID, now)
		if err != nil {
			return err
		}
		if !won {
			return ErrUnauthorized
		}
		_, err = r.Sessions.Create(ctx, next)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.emit(ctx, audit.Event{Type: audit.EventRefreshRejected, AccountID: acct.ID, SessionID: matched.ID, Reason: "already_rotated"})
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	s.enforceCap(ctx, acct.ID, now)

	s.emit(ctx, audit.Event{Type: audit.EventRefresh, AccountID: acct.ID, SessionID: next.ID, DeviceID: next.DeviceID})
	return &issued, nil
}

// Logout revokes the session behind refreshToken. It never fails: an unknown, forged or
// already revoked token is a no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) {
	ctx, span := s.inst.start(ctx, "logout")
	defer span.End()

	if strings.TrimSpace(refreshToken) == "" {
		return
	}
	matched, err := s.match(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			s.logger.WarnContext(ctx, "logout lookup failed", "error", err)
		}
		return
	}
	won, err := s.sessions.Revoke(ctx, matched.ID, s.now().UTC())
	if err != nil {
		s.logger.WarnContext(ctx, "logout revoke failed", "session_id", matched.ID, "error", err)
		return
	}
	if won {
		s.emit(ctx, audit.Event{Type: audit.EventLogout, AccountID: matched.AccountID, SessionID: matched.ID, DeviceID: matched.DeviceID})
	}
}

// LogoutAll revokes every live session of accountID. Calling it again is a no-op.
func (s *AuthService) LogoutAll(ctx context.Context, accountID string) error {
	ctx, span := s.inst.start(ctx, "logout_all")
	defer span.End()

	n, err := s.sessions.RevokeAllForAccount(ctx, accountID, s.now().UTC())
	if err != nil {
		outcomeOf(span, err)
		return fmt.Errorf("revoke sessions: %w", err)
	}
	s.emit(ctx, audit.Event{Type: audit.EventLogoutAll, AccountID: accountID, Count: n})
	return nil
}

// Me returns the account behind an access token. Returns ErrNotFound when the account no
// longer exists.
func (s *AuthService) Me(ctx context.Context, accountID string) (*AccountSummary, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		return nil, ErrNotFound
	}
	sum := summarize(acct)
	return &sum, nil
}

// issue mints a pair for acct and the session row that will back its refresh token.
func (s *AuthService) issue(ctx context.Context, acct *accountdomain.Account, device string, now time.Time) (security.TokenPair, *sessiondomain.Session, error) {
	pair, err := s.signer.IssuePair(acct.ID, acct.Email)
	if err != nil {
		return security.TokenPair{}, nil, fmt.Errorf("issue tokens: %w", err)
	}
	hashedJTI, err := s.hasher.Hash(ctx, pair.JTI)
	if err != nil {
		return security.TokenPair{}, nil, fmt.Errorf("hash jti: %w", err)
	}
	if device == "" {
		device = sessiondomain.DefaultDeviceID
	}
	return pair, &sessiondomain.Session{
		AccountID: acct.ID,
		HashedJTI: hashedJTI,
		DeviceID:  device,
		CreatedAt: now,
		ExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

// match finds the live session whose hashed jti matches the refresh token. A valid
// signature alone is not enough.
func (s *AuthService) match(ctx context.Context, refreshToken string) (*sessiondomain.Session, error) {
	payload, err := s.signer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	candidates, err := s.sessions.FindLive(ctx, payload.AccountID, s.policy.CandidateLimit, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("find live sessions: %w", err)
	}
	for _, c := range candidates {
		ok, err := s.hasher.Verify(ctx, c.HashedJTI, payload.JTI)
		if err != nil {
			return nil, fmt.Errorf("verify jti: %w", err)
		}
		if ok {
			return c, nil
		}
	}
	return nil, ErrUnauthorized
}

// enforceCap revokes the account's oldest live sessions beyond the cap. The cap is a soft
// bound, so a failure is logged and not returned.
func (s *AuthService) enforceCap(ctx context.Context, accountID string, now time.Time) {
	n, err := s.sessions.PruneLive(ctx, accountID, s.policy.MaxActiveSessions, now)
	if err != nil {
		s.logger.WarnContext(ctx, "prune live sessions failed", "account_id", accountID, "error", err)
		return
	}
	if n > 0 {
		add(ctx, s.inst.pruned, n, outcomeSuccess)
		s.emit(ctx, audit.Event{Type: audit.EventSessionsPruned, AccountID: accountID, Count: n})
	}
}

// timingHash returns the blob unknown-email logins verify against. It is computed at
// construction; a failed attempt is retried on the next call rather than remembered.
func (s *AuthService) timingHash(ctx context.Context) (string, error) {
	s.timingMu.Lock()
	defer s.timingMu.Unlock()
	if s.timingBlob != "" {
		return s.timingBlob, nil
	}
	blob, err := s.hasher.Hash(ctx, timingSecret)
	if err != nil {
		return "", err
	}
	s.timingBlob = blob
	return blob, nil
}

func (s *AuthService) equalizeTiming(ctx context.Context, password string) {
	blob, err := s.timingHash(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "timing hash unavailable", "error", err)
		return
	}
	_, _ = s.hasher.Verify(ctx, blob, password)
}

func (s *AuthService) emit(ctx context.Context, e audit.Event) {
	e.At = s.now().UTC()
	s.events.Emit(ctx, e)
}

func summarize(a *accountdomain.Account) AccountSummary {
	return AccountSummary{
		ID:                   a.ID,
		Email:                a.Email,
		FullName:             a.FullName,
		Jurisdiction:         a.Jurisdiction,
		TermsVersionAccepted: a.TermsVersionAccepted,
		CreatedAt:            a.CreatedAt,
	}
}

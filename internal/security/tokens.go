package security

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, signed with the wrong
	// key or algorithm, or missing required claims.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSharedKeyMaterial is returned when access and refresh tokens would be verified
	// with the same public key.
	ErrSharedKeyMaterial = errors.New("access and refresh tokens must use separate key pairs")
)

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// RefreshClaims are the claims of a refresh token. The session identifier travels as jti.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// AccessPayload is a verified access token.
type AccessPayload struct {
	AccountID string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshPayload is a verified refresh token.
type RefreshPayload struct {
	AccountID string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is a freshly minted access and refresh token. JTI is returned so the caller can
// persist its hash; it is never stored in the clear.
type TokenPair struct {
	Access           string
	Refresh          string
	JTI              string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type tokenKey struct {
	private crypto.Signer
	public  crypto.PublicKey
	method  jwt.SigningMethod
}

// Signer issues and verifies access and refresh JWTs. Each kind has its own key pair and
// its algorithm is fixed by that key type, so a token of one kind never verifies as the other.
type Signer struct {
	access     tokenKey
	refresh    tokenKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSigner returns a Signer for the given key pairs. issuer is set on every token and,
// when non-empty, required on verification.
func NewSigner(access, refresh KeyPair, issuer string, accessTTL, refreshTTL time.Duration) (*Signer, error) {
	ak, err := newTokenKey(access)
	if err != nil {
		return nil, fmt.Errorf("access key: %w", err)
	}
	rk, err := newTokenKey(refresh)
	if err != nil {
		return nil, fmt.Errorf("refresh key: %w", err)
	}
	if samePublicKey(ak.public, rk.public) {
		return nil, ErrSharedKeyMaterial
	}
	if accessTTL <= 0 {
		accessTTL = DefaultTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultTTL
	}
	return &Signer{
		access:     ak,
		refresh:    rk,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

func newTokenKey(kp KeyPair) (tokenKey, error) {
	if kp.Private == nil || kp.Public == nil {
		return tokenKey{}, ErrInvalidKey
	}
	method := signingMethodFor(kp.Public)
	if method == nil {
		return tokenKey{}, ErrInvalidKey
	}
	if !samePublicKey(kp.Private.Public(), kp.Public) {
		return tokenKey{}, fmt.Errorf("%w: private and public key do not match", ErrInvalidKey)
	}
	return tokenKey{private: kp.Private, public: kp.Public, method: method}, nil
}

// AccessTTL returns the access token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// IssuePair mints an access token {sub, email} and a refresh token {sub, jti} with a new jti.
func (s *Signer) IssuePair(accountID, email string) (TokenPair, error) {
	if accountID == "" || email == "" {
		return TokenPair{}, errors.New("issue pair: account id and email are required")
	}
	now := s.now().UTC()
	jti := uuid.NewString()

	accessExp := now.Add(s.accessTTL)
	access, err := jwt.NewWithClaims(s.access.method, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		Email: email,
	}).SignedString(s.access.private)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access: %w", err)
	}

	refreshExp := now.Add(s.refreshTTL)
	refresh, err := jwt.NewWithClaims(s.refresh.method, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   accountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}).SignedString(s.refresh.private)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh: %w", err)
	}

	return TokenPair{
		Access:           access,
		Refresh:          refresh,
		JTI:              jti,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess validates an access token and returns its payload, or ErrInvalidToken.
func (s *Signer) VerifyAccess(token string) (AccessPayload, error) {
	var claims AccessClaims
	if err := s.parse(token, &claims, s.access); err != nil {
		return AccessPayload{}, err
	}
	if claims.Subject == "" || claims.Email == "" {
		return AccessPayload{}, fmt.Errorf("%w: missing sub or email", ErrInvalidToken)
	}
	return AccessPayload{
		AccountID: claims.Subject,
		Email:     claims.Email,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

// VerifyRefresh validates a refresh token and returns its payload, or ErrInvalidToken.
func (s *Signer) VerifyRefresh(token string) (RefreshPayload, error) {
	var claims RefreshClaims
	if err := s.parse(token, &claims, s.refresh); err != nil {
		return RefreshPayload{}, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return RefreshPayload{}, fmt.Errorf("%w: missing sub or jti", ErrInvalidToken)
	}
	return RefreshPayload{
		AccountID: claims.Subject,
		JTI:       claims.ID,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

func (s *Signer) parse(token string, claims jwt.Claims, key tokenKey) error {
	if token == "" {
		return ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{key.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.public, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time.UTC()
}

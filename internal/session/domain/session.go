package domain

import "time"

// DefaultDeviceID is recorded when a client does not supply a device tag.
const DefaultDeviceID = "default"

// Session is one outstanding refresh credential. Only the Argon2id hash of the refresh
// token's jti is stored. A row is never updated except to set RevokedAt.
type Session struct {
	ID        string     `db:"id"`
	AccountID string     `db:"account_id"`
	HashedJTI string     `db:"hashed_jti"`
	DeviceID  string     `db:"device_id"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"` // nil when not revoked
}

// State is the lifecycle state of a session.
type State string

const (
	StateLive    State = "live"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// StateAt reports the session state at now. Revoked and expired are both terminal;
// revocation wins when both apply.
func (s *Session) StateAt(now time.Time) State {
	if s.RevokedAt != nil {
		return StateRevoked
	}
	if !s.ExpiresAt.After(now) {
		return StateExpired
	}
	return StateLive
}

// IsLive reports whether the session is neither revoked nor expired at now.
func (s *Session) IsLive(now time.Time) bool {
	return s.StateAt(now) == StateLive
}

package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const argon2Version = 19

// ErrInvalidHash is returned by decode when a stored blob is not a supported Argon2id PHC string.
var ErrInvalidHash = errors.New("invalid argon2id hash")

// Argon2Params are the Argon2id work factors used for new hashes.
type Argon2Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns interactive-login settings (64 MiB, t=3, p=2).
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies secrets (passwords and refresh session identifiers)
// with Argon2id. Hash and Verify run on a bounded pool so concurrent logins cannot
// starve the process of CPU and memory. Callers must not hold locks across either call.
type Hasher struct {
	params Argon2Params
	slots  *semaphore.Weighted
}

// NewHasher returns a Hasher producing hashes with params. workers bounds the number of
// concurrent hash computations; workers <= 0 uses runtime.NumCPU().
func NewHasher(params Argon2Params, workers int) *Hasher {
	def := DefaultArgon2Params()
	if params.MemoryKiB == 0 {
		params.MemoryKiB = def.MemoryKiB
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Hasher{params: params, slots: semaphore.NewWeighted(int64(workers))}
}

// Params returns the parameters used for new hashes.
func (h *Hasher) Params() Argon2Params { return h.params }

// Hash returns the PHC-encoded Argon2id hash of secret:
//
//	$argon2id$v=19$m=<KiB>,t=<iter>,p=<par>$<salt>$<key>
//
// It fails only if ctx ends before a worker slot frees up or the system RNG fails.
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	defer h.slots.Release(1)

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches blob. A mismatch, a malformed blob, or a blob whose
// parameters are far above ours all yield (false, nil). The only error is ctx ending while
// waiting for a worker slot; callers must treat that as a failed verification.
func (h *Hasher) Verify(ctx context.Context, blob, secret string) (bool, error) {
	params, salt, expected, err := decode(blob)
	if err != nil {
		return false, nil
	}
	if !withinReasonableBounds(params, h.params) {
		return false, nil
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	defer h.slots.Release(1)

	key := argon2.IDKey([]byte(secret), salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// withinReasonableBounds accepts hashes made with older or smaller settings but refuses
// attacker-sized ones.
func withinReasonableBounds(got, limits Argon2Params) bool {
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if uint32(got.Parallelism) > uint32(limits.Parallelism)*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	if got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}

func decode(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	if parts[2] != "v=19" {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, ErrInvalidHash
	}
	return Argon2Params{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)),
		KeyLength:   uint32(len(key)),
	}, salt, key, nil
}

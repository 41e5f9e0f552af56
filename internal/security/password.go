// Package security implements credential primitives: Argon2id password
// hashing with pepper rotation, TOTP verification, and the envelope-encrypted
// OTP store with single-use recovery codes.
package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"

	"github.com/kheina-com/backend-sub000/internal/secrets"
)

const (
	argonKeyLen uint32 = 32
	saltLen            = 16
)

// Params are the Argon2id cost parameters currently in policy. Stored hashes
// encoding weaker parameters are upgraded on the next successful verify.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// PasswordHasher derives and verifies Argon2id hashes of password || pepper.
// The pepper is drawn uniformly at each new hash and its index stored next to
// the hash. Hashing is CPU-bound, so concurrent derivations are bounded by a
// semaphore sized to the CPU count; this keeps credential-stuffing from
// starving the scheduler.
type PasswordHasher struct {
	secrets *secrets.Store
	params  Params
	sem     *semaphore.Weighted
}

// NewPasswordHasher constructs a hasher over the pepper store.
func NewPasswordHasher(sec *secrets.Store, params Params) *PasswordHasher {
	return &PasswordHasher{
		secrets: sec,
		params:  params,
		sem:     semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

func (h *PasswordHasher) derive(ctx context.Context, peppered, salt []byte, p Params, keyLen uint32) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)
	return argon2.IDKey(peppered, salt, p.Time, p.Memory, p.Threads, keyLen), nil
}

// Hash derives an Argon2id hash of password with a freshly drawn pepper and
// returns the encoded hash plus the pepper index used.
func (h *PasswordHasher) Hash(ctx context.Context, password []byte) (string, int, error) {
	index := h.secrets.RandomIndex()
	encoded, err := h.hashWithIndex(ctx, password, index)
	return encoded, index, err
}

func (h *PasswordHasher) hashWithIndex(ctx context.Context, password []byte, index int) (string, error) {
	pepper, err := h.secrets.Get(index)
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	peppered := append(append([]byte{}, password...), pepper...)
	hash, err := h.derive(ctx, peppered, salt, h.params, argonKeyLen)
	if err != nil {
		return "", err
	}

	encoded := fmt.Sprintf("argon2id$v=19$t=%d$m=%d$p=%d$%s$%s",
		h.params.Time,
		h.params.Memory,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// Verify compares password against a stored hash made with the pepper at
// secretIndex. A mismatch returns (false, nil); the caller maps it onto
// FailedLogin so password and OTP failures share one message.
func (h *PasswordHasher) Verify(ctx context.Context, password []byte, secretIndex int, encodedHash string) (bool, error) {
	pepper, err := h.secrets.Get(secretIndex)
	if err != nil {
		return false, err
	}

	params, salt, expected, err := parseEncoded(encodedHash)
	if err != nil {
		return false, err
	}

	peppered := append(append([]byte{}, password...), pepper...)
	actual, err := h.derive(ctx, peppered, salt, params, uint32(len(expected)))
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// NeedsRehash reports whether the encoded hash was made with parameters
// below current policy.
func (h *PasswordHasher) NeedsRehash(encodedHash string) bool {
	params, _, _, err := parseEncoded(encodedHash)
	if err != nil {
		return true
	}
	return params.Time < h.params.Time ||
		params.Memory < h.params.Memory ||
		params.Threads < h.params.Threads
}

func parseEncoded(encodedHash string) (Params, []byte, []byte, error) {
	var params Params

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 7 {
		return params, nil, nil, errors.New("parse argon hash: unexpected format")
	}
	if parts[0] != "argon2id" {
		return params, nil, nil, errors.New("parse argon hash: invalid algorithm")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v="))
	if err != nil {
		return params, nil, nil, fmt.Errorf("parse argon hash version: %w", err)
	}
	if version != 19 {
		return params, nil, nil, fmt.Errorf("parse argon hash: unsupported version %d", version)
	}
	timeCost, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "t="), 10, 32)
	if err != nil {
		return params, nil, nil, fmt.Errorf("parse argon hash time: %w", err)
	}
	memCost, err := strconv.ParseUint(strings.TrimPrefix(parts[3], "m="), 10, 32)
	if err != nil {
		return params, nil, nil, fmt.Errorf("parse argon hash memory: %w", err)
	}
	threadCost, err := strconv.ParseUint(strings.TrimPrefix(parts[4], "p="), 10, 8)
	if err != nil {
		return params, nil, nil, fmt.Errorf("parse argon hash threads: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decode hash: %w", err)
	}

	params.Time = uint32(timeCost)
	params.Memory = uint32(memCost)
	params.Threads = uint8(threadCost)
	return params, salt, hash, nil
}

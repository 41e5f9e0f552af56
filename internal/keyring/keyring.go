// Package keyring generates, persists, caches, and serves the Ed25519
// signing keys used for bearer tokens.
//
// Purpose:
//
//	One process signs tokens with a single active key at a time. Active-key
//	validity windows are aligned to a fixed 24h refresh interval so that
//	independent processes pick the same window boundaries; processes racing
//	to rotate may each mint their own key for a window, which is permitted
//	because every minted key is persisted and remains fetchable for the full
//	token lifetime.
//
// Key Responsibilities:
//   - Active: return (or mint) the key covering now
//   - Public: serve public-key records, verifying the key's self-signature
//
// Thread Safety:
//   - The active key is guarded by an RWMutex; the public ring is a
//     monotonic sync.Map that never evicts, since tokens outlive the active
//     signing window by design.
//
// Error Handling:
//   - An unknown (algorithm, key_id) pair surfaces as NotFound; a bad
//     self-signature surfaces as Unauthorized; store failures propagate as
//     InternalServerError.
package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/kheina-com/backend-sub000/internal/apierror"
)

// RefreshInterval is the system-wide active-key window size. Changing it
// breaks the property that independent processes agree on window boundaries.
const RefreshInterval = 24 * time.Hour

// AlgorithmEd25519 is the only algorithm currently minted.
const AlgorithmEd25519 = "ed25519"

// SigningKeyRecord is the persisted form of a public key.
type SigningKeyRecord struct {
	KeyID     int64
	Algorithm string
	PublicDER []byte
	Signature []byte
	Issued    time.Time
	Expires   time.Time
}

// PublicKeyRecord is a parsed, signature-verified public key.
type PublicKeyRecord struct {
	KeyID     int64
	Algorithm string
	Key       ed25519.PublicKey
	Issued    time.Time
	Expires   time.Time
}

// ActiveKey is the in-memory signing key for the current window.
type ActiveKey struct {
	Private       ed25519.PrivateKey
	KeyID         int64
	Issued        time.Time
	ValidityStart time.Time
	ValidityEnd   time.Time
}

// Store persists signing keys. Implemented by the postgres store.
type Store interface {
	// SaveSigningKey inserts a record and returns the generated key id plus
	// the store-assigned issued/expires timestamps.
	SaveSigningKey(ctx context.Context, algorithm string, publicDER, signature []byte) (SigningKeyRecord, error)
	// GetSigningKey fetches a record or a NotFound-kinded error.
	GetSigningKey(ctx context.Context, algorithm string, keyID int64) (SigningKeyRecord, error)
}

// Ring serves active and public keys.
type Ring struct {
	store Store
	clock func() time.Time

	mu     sync.RWMutex
	active *ActiveKey

	// public is monotonic: records are only ever added, never evicted,
	// keyed by algorithm/key_id.
	public sync.Map
}

// Option customizes a Ring.
type Option func(*Ring)

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) Option {
	return func(r *Ring) { r.clock = clock }
}

// New constructs a Ring over the given store.
func New(store Store, opts ...Option) *Ring {
	r := &Ring{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func publicCacheKey(algorithm string, keyID int64) string {
	return fmt.Sprintf("%s/%d", algorithm, keyID)
}

// Active returns the signing key covering now, minting and persisting a new
// one when the cached key's window has lapsed.
func (r *Ring) Active(ctx context.Context) (*ActiveKey, error) {
	now := r.clock()

	r.mu.RLock()
	if k := r.active; k != nil && !now.Before(k.ValidityStart) && now.Before(k.ValidityEnd) {
		r.mu.RUnlock()
		return k, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have rotated while we waited.
	if k := r.active; k != nil && !now.Before(k.ValidityStart) && now.Before(k.ValidityEnd) {
		return k, nil
	}

	start := now.Truncate(RefreshInterval)
	end := start.Add(RefreshInterval)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("keyring: generate keypair: %w", err))
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("keyring: marshal public key: %w", err))
	}
	signature := ed25519.Sign(priv, der)

	rec, err := r.store.SaveSigningKey(ctx, AlgorithmEd25519, der, signature)
	if err != nil {
		return nil, apierror.From(fmt.Errorf("keyring: persist signing key: %w", err))
	}

	active := &ActiveKey{
		Private:       priv,
		KeyID:         rec.KeyID,
		Issued:        rec.Issued,
		ValidityStart: start,
		ValidityEnd:   end,
	}
	r.active = active

	// Seed the public ring so tokens minted here verify without a store hit.
	r.public.Store(publicCacheKey(AlgorithmEd25519, rec.KeyID), &PublicKeyRecord{
		KeyID:     rec.KeyID,
		Algorithm: AlgorithmEd25519,
		Key:       pub,
		Issued:    rec.Issued,
		Expires:   rec.Expires,
	})

	return active, nil
}

// Public returns the verified public key record for (algorithm, keyID).
// Records are cached indefinitely once verified; failures are never cached.
func (r *Ring) Public(ctx context.Context, algorithm string, keyID int64) (*PublicKeyRecord, error) {
	cacheKey := publicCacheKey(algorithm, keyID)
	if cached, ok := r.public.Load(cacheKey); ok {
		return cached.(*PublicKeyRecord), nil
	}

	rec, err := r.store.GetSigningKey(ctx, algorithm, keyID)
	if err != nil {
		return nil, apierror.From(err)
	}

	parsed, err := parseAndVerify(rec)
	if err != nil {
		return nil, err
	}

	r.public.Store(cacheKey, parsed)
	return parsed, nil
}

// parseAndVerify decodes the DER SPKI bytes and checks the key's
// self-signature. Unsigned or tampered records are rejected outright.
func parseAndVerify(rec SigningKeyRecord) (*PublicKeyRecord, error) {
	keyAny, err := x509.ParsePKIXPublicKey(rec.PublicDER)
	if err != nil {
		return nil, apierror.Unauthorized("Key validation failed.")
	}
	pub, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return nil, apierror.Unauthorized("Key validation failed.")
	}
	if !ed25519.Verify(pub, rec.PublicDER, rec.Signature) {
		return nil, apierror.Unauthorized("Key validation failed.")
	}
	return &PublicKeyRecord{
		KeyID:     rec.KeyID,
		Algorithm: rec.Algorithm,
		Key:       pub,
		Issued:    rec.Issued,
		Expires:   rec.Expires,
	}, nil
}

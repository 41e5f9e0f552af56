// Package token implements the bearer-token wire format: encoding, signing,
// decoding, and verification, plus the KV-backed registry that is the source
// of truth for revocation.
//
// Wire format (ASCII, dot-separated, URL-safe base64 without padding):
//
//	b64(version) "." b64(payload) "." b64(signature)
//
// where payload is itself dot-separated:
//
//	algorithm "." b64(key_id_be) "." b64(expires_be) "." b64(user_id_be) "." b64(guid_bytes) "." json_claims
//
// Integers are big-endian, minimum-width (zero encodes as zero length). The
// signature covers the first two dot-joined segments exactly as they appear
// on the wire, so re-implementations produce byte-identical tokens given the
// same inputs and keys.
//
// Error Handling:
//   - Signature and registry failures surface as Unauthorized with the
//     specific reason; an unknown version is BadRequest
//   - Successful decodes are cached for a short TTL; negative results are
//     never cached
package token

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/keyring"
	"github.com/kheina-com/backend-sub000/internal/kv"
)

// Version is the only defined token version. Decode dispatches on the
// version string, leaving room for a future "2".
const Version = "1"

// Lifetime is the default token lifetime when no explicit TTL is given.
const Lifetime = 30 * 24 * time.Hour

// decodeCacheTTL bounds how long a verified decode may be reused before the
// registry is consulted again.
const decodeCacheTTL = 30 * time.Second

// AuthToken is a decoded, verified bearer token.
type AuthToken struct {
	Version   string
	Algorithm string
	KeyID     int64
	UserID    int64
	Expires   time.Time
	GUID      uuid.UUID
	Claims    Claims
	Raw       string
}

// IssuedToken is the result of minting a token.
type IssuedToken struct {
	Version   string    `json:"version"`
	Algorithm string    `json:"algorithm"`
	KeyID     int64     `json:"key_id"`
	Issued    time.Time `json:"issued"`
	Expires   time.Time `json:"expires"`
	Token     string    `json:"token"`
}

// Codec mints and verifies tokens.
type Codec struct {
	ring     *keyring.Ring
	registry *Registry
	clock    func() time.Time
	cache    *ristretto.Cache
}

// CodecOption customizes a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) CodecOption {
	return func(c *Codec) { c.clock = clock }
}

// NewCodec constructs a Codec over a key ring and registry.
func NewCodec(ring *keyring.Ring, registry *Registry, opts ...CodecOption) (*Codec, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("token codec: build decode cache: %w", err)
	}
	c := &Codec{
		ring:     ring,
		registry: registry,
		clock:    time.Now,
		cache:    cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue mints a token for userID carrying claims. A zero ttl selects the
// default lifetime, aligned to the active-key refresh window; an explicit
// ttl is applied to the whole-second floor of now.
func (c *Codec) Issue(ctx context.Context, userID int64, claims Claims, ttl time.Duration) (*IssuedToken, error) {
	now := c.clock()

	var expires time.Time
	if ttl > 0 {
		expires = now.Truncate(time.Second).Add(ttl)
	} else {
		expires = now.Truncate(keyring.RefreshInterval).Add(Lifetime)
	}

	active, err := c.ring.Active(ctx)
	if err != nil {
		return nil, err
	}

	if claims == nil {
		claims = Claims{}
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("token codec: marshal claims: %w", err))
	}

	guid := uuid.New()

	load := strings.Join([]string{
		keyring.AlgorithmEd25519,
		b64.EncodeToString(encodeInt(active.KeyID)),
		b64.EncodeToString(encodeInt(expires.Unix())),
		b64.EncodeToString(encodeInt(userID)),
		b64.EncodeToString(guid[:]),
		string(claimsJSON),
	}, ".")

	content := b64.EncodeToString([]byte(Version)) + "." + b64.EncodeToString([]byte(load))
	signature := ed25519.Sign(active.Private, []byte(content))
	raw := content + "." + b64.EncodeToString(signature)

	// Registration is the final step so that a cancelled request never
	// leaves a registered guid behind; signed material without a registry
	// entry is inert by the decode rules.
	meta := Metadata{
		State:       StateActive,
		UserID:      userID,
		KeyID:       active.KeyID,
		Algorithm:   keyring.AlgorithmEd25519,
		Version:     Version,
		Issued:      now,
		Expires:     expires,
		Fingerprint: []byte(claims.Fingerprint()),
	}
	if err := c.registry.Put(ctx, guid, meta, expires.Sub(now)); err != nil {
		return nil, apierror.Internal(err)
	}

	return &IssuedToken{
		Version:   Version,
		Algorithm: keyring.AlgorithmEd25519,
		KeyID:     active.KeyID,
		Issued:    now,
		Expires:   expires,
		Token:     raw,
	}, nil
}

// Decode verifies raw and returns the token it carries. Results are cached
// briefly; any failure bypasses the cache entirely.
func (c *Codec) Decode(ctx context.Context, raw string) (*AuthToken, error) {
	if cached, ok := c.cache.Get(raw); ok {
		tok := cached.(*AuthToken)
		if c.clock().Before(tok.Expires) {
			return tok, nil
		}
		c.cache.Del(raw)
	}

	tok, err := c.decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(raw, tok, 1, decodeCacheTTL)
	return tok, nil
}

func (c *Codec) decode(ctx context.Context, raw string) (*AuthToken, error) {
	lastDot := strings.LastIndexByte(raw, '.')
	if lastDot < 0 {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	content, sigB64 := raw[:lastDot], raw[lastDot+1:]

	firstDot := strings.IndexByte(content, '.')
	if firstDot < 0 {
		return nil, apierror.BadRequest("Invalid token format.")
	}

	versionBytes, err := b64.DecodeString(content[:firstDot])
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	if string(versionBytes) != Version {
		return nil, apierror.BadRequest("Unknown token version.")
	}

	loadBytes, err := b64.DecodeString(content[firstDot+1:])
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}

	parts := strings.SplitN(string(loadBytes), ".", 6)
	if len(parts) != 6 {
		return nil, apierror.BadRequest("Invalid token format.")
	}

	algorithm := parts[0]
	keyIDBytes, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	expiresBytes, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	userIDBytes, err := b64.DecodeString(parts[3])
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	guidBytes, err := b64.DecodeString(parts[4])
	if err != nil || len(guidBytes) != 16 {
		return nil, apierror.BadRequest("Invalid token format.")
	}

	keyID := decodeInt(keyIDBytes)
	if keyID <= 0 {
		return nil, apierror.Unauthorized("Key validation failed.")
	}

	now := c.clock()
	expires := time.Unix(decodeInt(expiresBytes), 0)
	if now.After(expires) {
		return nil, apierror.Unauthorized("This token has expired.")
	}

	record, err := c.ring.Public(ctx, algorithm, keyID)
	if err != nil {
		return nil, err
	}
	if now.After(record.Expires) {
		return nil, apierror.Unauthorized("Key has expired.")
	}

	signature, err := b64.DecodeString(sigB64)
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}
	if !ed25519.Verify(record.Key, []byte(content), signature) {
		return nil, apierror.Unauthorized("Key validation failed.")
	}

	guid, err := uuid.FromBytes(guidBytes)
	if err != nil {
		return nil, apierror.BadRequest("Invalid token format.")
	}

	meta, err := c.registry.Get(ctx, guid)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, apierror.Unauthorized("This token is no longer valid.")
		}
		return nil, apierror.Internal(err)
	}
	switch {
	case meta.State != StateActive:
		return nil, apierror.Unauthorized("This token is no longer valid.")
	case meta.Algorithm != algorithm:
		return nil, apierror.Unauthorized("Token algorithm mismatch.")
	case meta.Expires.Unix() != expires.Unix():
		return nil, apierror.Unauthorized("Token expiration mismatch.")
	case meta.KeyID != keyID:
		return nil, apierror.Unauthorized("Token key mismatch.")
	}

	var claims Claims
	if err := json.Unmarshal([]byte(parts[5]), &claims); err != nil {
		return nil, apierror.BadRequest("Invalid token claims.")
	}

	return &AuthToken{
		Version:   Version,
		Algorithm: algorithm,
		KeyID:     keyID,
		UserID:    decodeInt(userIDBytes),
		Expires:   expires,
		GUID:      guid,
		Claims:    claims,
		Raw:       raw,
	}, nil
}

// Revoke removes the token's registry record and purges the decode cache.
// Subsequent decodes fail with Unauthorized.
func (c *Codec) Revoke(ctx context.Context, tok *AuthToken) error {
	if err := c.registry.Remove(ctx, tok.GUID); err != nil {
		return apierror.Internal(err)
	}
	c.cache.Del(tok.Raw)
	return nil
}

// Registry exposes the underlying registry for administrative listing.
func (c *Codec) Registry() *Registry { return c.registry }

package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/keyring"
	"github.com/kheina-com/backend-sub000/internal/kv"
)

type memKeyStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]keyring.SigningKeyRecord
	expires time.Time
}

func newMemKeyStore(expires time.Time) *memKeyStore {
	return &memKeyStore{records: map[int64]keyring.SigningKeyRecord{}, expires: expires}
}

func (s *memKeyStore) SaveSigningKey(_ context.Context, algorithm string, publicDER, signature []byte) (keyring.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := keyring.SigningKeyRecord{
		KeyID:     s.nextID,
		Algorithm: algorithm,
		PublicDER: publicDER,
		Signature: signature,
		Issued:    s.expires.Add(-30 * 24 * time.Hour),
		Expires:   s.expires,
	}
	s.records[rec.KeyID] = rec
	return rec, nil
}

func (s *memKeyStore) GetSigningKey(_ context.Context, _ string, keyID int64) (keyring.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[keyID]
	if !ok {
		return rec, apierror.NotFound("Public key does not exist for provided algorithm and key_id.")
	}
	return rec, nil
}

type fixture struct {
	codec *Codec
	now   time.Time
	store *memKeyStore
	kv    *kv.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		kv:  kv.NewMemoryStore(),
	}
	f.store = newMemKeyStore(f.now.Add(60 * 24 * time.Hour))
	clock := func() time.Time { return f.now }

	ring := keyring.New(f.store, keyring.WithClock(clock))
	codec, err := NewCodec(ring, NewRegistry(f.kv), WithClock(clock))
	require.NoError(t, err)
	f.codec = codec
	return f
}

func kindOf(t *testing.T, err error) (apierror.Kind, string) {
	t.Helper()
	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr), "expected typed error, got %v", err)
	return apiErr.Kind, apiErr.Message
}

func TestIssueAndDecodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 42, Claims{
		ClaimScope:       []string{"user"},
		ClaimFingerprint: "fp-abc",
		ClaimEmail:       "alice@example.com",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, Version, issued.Version)
	assert.Equal(t, keyring.AlgorithmEd25519, issued.Algorithm)

	// Default lifetime is aligned to the refresh window.
	assert.Equal(t, f.now.Truncate(keyring.RefreshInterval).Add(Lifetime), issued.Expires)
	assert.Equal(t, 2, strings.Count(issued.Token, "."))

	tok, err := f.codec.Decode(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), tok.UserID)
	assert.Equal(t, issued.KeyID, tok.KeyID)
	assert.Equal(t, issued.Expires.Unix(), tok.Expires.Unix())
	assert.Equal(t, []string{"user"}, tok.Claims.Scopes())
	assert.Equal(t, "fp-abc", tok.Claims.Fingerprint())
	assert.Equal(t, "alice@example.com", tok.Claims.Email())
}

func TestIssueExplicitTTL(t *testing.T) {
	f := newFixture(t)

	issued, err := f.codec.Issue(context.Background(), 1, nil, 900*time.Second)
	require.NoError(t, err)
	assert.Equal(t, f.now.Truncate(time.Second).Add(900*time.Second), issued.Expires)
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 7, Claims{ClaimScope: []string{"user"}}, 0)
	require.NoError(t, err)

	parts := strings.SplitN(issued.Token, ".", 3)
	require.Len(t, parts, 3)

	// Re-encode a payload claiming a different user; the signature no longer
	// covers it.
	load, err := b64.DecodeString(parts[1])
	require.NoError(t, err)
	segments := strings.SplitN(string(load), ".", 6)
	require.Len(t, segments, 6)
	segments[3] = b64.EncodeToString(encodeInt(8))
	tampered := parts[0] + "." + b64.EncodeToString([]byte(strings.Join(segments, "."))) + "." + parts[2]

	_, err = f.codec.Decode(ctx, tampered)
	kind, msg := kindOf(t, err)
	assert.Equal(t, apierror.KindUnauthorized, kind)
	assert.Equal(t, "Key validation failed.", msg)
}

func TestDecodeUnknownVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 7, nil, 0)
	require.NoError(t, err)

	parts := strings.SplitN(issued.Token, ".", 3)
	bad := b64.EncodeToString([]byte("2")) + "." + parts[1] + "." + parts[2]

	_, err = f.codec.Decode(ctx, bad)
	kind, msg := kindOf(t, err)
	assert.Equal(t, apierror.KindBadRequest, kind)
	assert.Equal(t, "Unknown token version.", msg)
}

func TestDecodeMalformed(t *testing.T) {
	f := newFixture(t)

	for _, raw := range []string{"", "nodots", "a.b", "!!.!!.!!"} {
		_, err := f.codec.Decode(context.Background(), raw)
		kind, msg := kindOf(t, err)
		assert.Equal(t, apierror.KindBadRequest, kind, "input %q", raw)
		assert.Equal(t, "Invalid token format.", msg, "input %q", raw)
	}
}

func TestDecodeExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 7, nil, time.Minute)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.codec.Decode(ctx, issued.Token)
	kind, msg := kindOf(t, err)
	assert.Equal(t, apierror.KindUnauthorized, kind)
	assert.Equal(t, "This token has expired.", msg)
}

func TestDecodeExpiredKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 7, nil, 0)
	require.NoError(t, err)

	// Past the key's expiry but not the token's would need a long-lived
	// token; force the situation by expiring the key record instead.
	f.store.mu.Lock()
	for id, rec := range f.store.records {
		rec.Expires = f.now.Add(-time.Hour)
		f.store.records[id] = rec
	}
	f.store.mu.Unlock()

	// A fresh codec has no seeded public ring, so the expired record is
	// fetched from the store.
	clock := func() time.Time { return f.now }
	fresh, err := NewCodec(keyring.New(f.store, keyring.WithClock(clock)), NewRegistry(f.kv), WithClock(clock))
	require.NoError(t, err)

	_, err = fresh.Decode(ctx, issued.Token)
	kind, msg := kindOf(t, err)
	assert.Equal(t, apierror.KindUnauthorized, kind)
	assert.Equal(t, "Key has expired.", msg)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codec.Issue(ctx, 7, nil, 0)
	require.NoError(t, err)

	tok, err := f.codec.Decode(ctx, issued.Token)
	require.NoError(t, err)
	require.NoError(t, f.codec.Revoke(ctx, tok))

	_, err = f.codec.Decode(ctx, issued.Token)
	kind, msg := kindOf(t, err)
	assert.Equal(t, apierror.KindUnauthorized, kind)
	assert.Equal(t, "This token is no longer valid.", msg)
}

func TestRegistryListByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.codec.Issue(ctx, 9, nil, 0)
	require.NoError(t, err)
	_, err = f.codec.Issue(ctx, 9, nil, 0)
	require.NoError(t, err)
	_, err = f.codec.Issue(ctx, 10, nil, 0)
	require.NoError(t, err)

	guids, err := f.codec.Registry().ListByUser(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, guids, 2)

	tok, err := f.codec.Decode(ctx, first.Token)
	require.NoError(t, err)
	require.NoError(t, f.codec.Revoke(ctx, tok))

	guids, err = f.codec.Registry().ListByUser(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, guids, 1)
}

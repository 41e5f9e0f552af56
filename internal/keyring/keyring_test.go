package keyring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/apierror"
)

type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]SigningKeyRecord
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]SigningKeyRecord{}}
}

func (s *memStore) SaveSigningKey(_ context.Context, algorithm string, publicDER, signature []byte) (SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.saves++
	rec := SigningKeyRecord{
		KeyID:     s.nextID,
		Algorithm: algorithm,
		PublicDER: publicDER,
		Signature: signature,
		Issued:    time.Now(),
		Expires:   time.Now().Add(30 * 24 * time.Hour),
	}
	s.records[publicCacheKey(algorithm, rec.KeyID)] = rec
	return rec, nil
}

func (s *memStore) GetSigningKey(_ context.Context, algorithm string, keyID int64) (SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[publicCacheKey(algorithm, keyID)]
	if !ok {
		return rec, apierror.NotFound("Public key does not exist for provided algorithm and key_id.")
	}
	return rec, nil
}

func TestActiveReusesKeyWithinWindow(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ring := New(store, WithClock(func() time.Time { return now }))

	first, err := ring.Active(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	second, err := ring.Active(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.KeyID, second.KeyID)
	assert.Equal(t, 1, store.saves)
}

func TestActiveRotatesAcrossWindows(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	ring := New(store, WithClock(func() time.Time { return now }))

	first, err := ring.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Truncate(RefreshInterval), first.ValidityStart)

	now = now.Add(2 * time.Hour) // crosses midnight into the next window
	second, err := ring.Active(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.KeyID, second.KeyID)
	assert.Equal(t, 2, store.saves)
}

func TestPublicServesAndCachesVerifiedKey(t *testing.T) {
	store := newMemStore()
	ring := New(store)

	active, err := ring.Active(context.Background())
	require.NoError(t, err)

	// A fresh ring has to go through the store and the self-signature check.
	fresh := New(store)
	rec, err := fresh.Public(context.Background(), AlgorithmEd25519, active.KeyID)
	require.NoError(t, err)
	assert.Equal(t, active.KeyID, rec.KeyID)

	// Cached: wiping the store must not matter.
	store.mu.Lock()
	store.records = map[string]SigningKeyRecord{}
	store.mu.Unlock()

	again, err := fresh.Public(context.Background(), AlgorithmEd25519, active.KeyID)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestPublicRejectsTamperedSignature(t *testing.T) {
	store := newMemStore()
	ring := New(store)

	active, err := ring.Active(context.Background())
	require.NoError(t, err)

	key := publicCacheKey(AlgorithmEd25519, active.KeyID)
	store.mu.Lock()
	rec := store.records[key]
	rec.Signature = append([]byte{}, rec.Signature...)
	rec.Signature[0] ^= 0xff
	store.records[key] = rec
	store.mu.Unlock()

	fresh := New(store)
	_, err = fresh.Public(context.Background(), AlgorithmEd25519, active.KeyID)
	require.Error(t, err)

	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.KindUnauthorized, apiErr.Kind)
	assert.Equal(t, "Key validation failed.", apiErr.Message)
}

func TestPublicUnknownKeyIsNotFound(t *testing.T) {
	ring := New(newMemStore())

	_, err := ring.Public(context.Background(), AlgorithmEd25519, 42)
	require.Error(t, err)

	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.KindNotFound, apiErr.Kind)
}

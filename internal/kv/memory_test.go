package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", []byte("alpha"), time.Minute))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, "a", []byte("alpha"), time.Minute))

	now = now.Add(59 * time.Second)
	_, err := store.Get(ctx, "a")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, "a", []byte("alpha"), 0))

	now = now.Add(1000 * time.Hour)
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", []byte("alpha"), time.Minute, "idx"))
	require.NoError(t, store.Remove(ctx, "a"))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	members, err := store.ListIndex(ctx, "idx")
	require.NoError(t, err)
	assert.Empty(t, members)

	// Removing an absent key is not an error.
	require.NoError(t, store.Remove(ctx, "a"))
}

func TestMemoryStoreIndexes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "t1", []byte("x"), time.Minute, "user.1"))
	require.NoError(t, store.Put(ctx, "t2", []byte("y"), time.Minute, "user.1"))
	require.NoError(t, store.Put(ctx, "t3", []byte("z"), time.Minute, "user.2"))

	members, err := store.ListIndex(ctx, "user.1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, members)

	members, err = store.ListIndex(ctx, "user.2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t3"}, members)

	members, err = store.ListIndex(ctx, "user.3")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value := []byte("alpha")
	require.NoError(t, store.Put(ctx, "a", value, time.Minute))
	value[0] = 'X'

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)

	got[0] = 'Y'
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), again)
}

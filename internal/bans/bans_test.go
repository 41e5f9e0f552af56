package bans

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/logging"
	"github.com/kheina-com/backend-sub000/internal/secrets"
	"github.com/kheina-com/backend-sub000/internal/storage/postgres"
)

type countingStore struct {
	mu       sync.Mutex
	userBans map[int64]*postgres.Ban
	ipBans   map[string]*postgres.Ban
	inserted map[string]int64
	userGets int
	ipGets   int
}

func newCountingStore() *countingStore {
	return &countingStore{
		userBans: map[int64]*postgres.Ban{},
		ipBans:   map[string]*postgres.Ban{},
		inserted: map[string]int64{},
	}
}

func (s *countingStore) GetActiveBanForUser(_ context.Context, userID int64) (*postgres.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userGets++
	return s.userBans[userID], nil
}

func (s *countingStore) GetIPBan(_ context.Context, ipHash []byte) (*postgres.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipGets++
	return s.ipBans[string(ipHash)], nil
}

func (s *countingStore) InsertIPBan(_ context.Context, ipHash []byte, banID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted[string(ipHash)] = banID
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *countingStore, *secrets.Store) {
	t.Helper()
	sec, err := secrets.New([][]byte{[]byte("pepper-zero-0123456789abcdef")}, []byte("ip-salt"))
	require.NoError(t, err)
	store := newCountingStore()
	registry, err := NewRegistry(store, sec, logging.New("test", "error"))
	require.NoError(t, err)
	return registry, store, sec
}

func TestUserBanCachesResult(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	ctx := context.Background()

	want := &postgres.Ban{BanID: 1, BanType: postgres.BanTypeUser, UserID: 42, Completed: time.Now().Add(time.Hour), Reason: "rules"}
	store.userBans[42] = want

	ban, err := registry.UserBan(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, want.BanID, ban.BanID)
	assert.Equal(t, want.Reason, ban.Reason)

	// Flush the write buffer so the second lookup sees the cached entry.
	registry.cache.Wait()

	ban, err = registry.UserBan(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, ban)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.userGets)
}

func TestUserBanCachesNegative(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	ctx := context.Background()

	ban, err := registry.UserBan(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, ban)

	registry.cache.Wait()

	// A ban landing after the negative was cached stays invisible until the
	// cache entry expires.
	store.mu.Lock()
	store.userBans[7] = &postgres.Ban{BanID: 2, BanType: postgres.BanTypeUser, UserID: 7, Completed: time.Now().Add(time.Hour)}
	store.mu.Unlock()

	ban, err = registry.UserBan(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, ban)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.userGets)
}

func TestIPBanHashesAddress(t *testing.T) {
	registry, store, sec := newTestRegistry(t)
	ctx := context.Background()

	want := &postgres.Ban{BanID: 3, BanType: postgres.BanTypeIP, UserID: 9, Completed: time.Now().Add(time.Hour), Reason: "spam"}
	store.ipBans[string(sec.HashIP("203.0.113.9"))] = want

	ban, err := registry.IPBan(ctx, "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, int64(3), ban.BanID)

	// A different address misses.
	ban, err = registry.IPBan(ctx, "203.0.113.10")
	require.NoError(t, err)
	assert.Nil(t, ban)
}

func TestRecordIPBan(t *testing.T) {
	registry, store, sec := newTestRegistry(t)
	ctx := context.Background()

	ban := &Ban{BanID: 4, BanType: postgres.BanTypeIP, UserID: 11, Completed: time.Now().Add(time.Hour), Reason: "evasion"}
	registry.RecordIPBan(ctx, "198.51.100.4", ban)

	store.mu.Lock()
	assert.Equal(t, int64(4), store.inserted[string(sec.HashIP("198.51.100.4"))])
	store.mu.Unlock()

	// The recorded ban is served from cache without another store read.
	registry.cache.Wait()
	got, err := registry.IPBan(ctx, "198.51.100.4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.BanID)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 0, store.ipGets)
}

// Package bans answers "is this user or address banned right now" on the hot
// request path. Lookups are cached, including negatives, so the ban tables
// are consulted at most once per minute per subject.
package bans

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/secrets"
	"github.com/kheina-com/backend-sub000/internal/storage/postgres"
)

// cacheTTL bounds how stale a cached ban answer may be. A lifted ban takes
// effect within this window.
const cacheTTL = time.Minute

// Ban is an active moderation ban as seen by the request gate.
type Ban struct {
	BanID     int64     `json:"ban_id"`
	BanType   string    `json:"ban_type"`
	UserID    int64     `json:"user_id"`
	Created   time.Time `json:"created"`
	Completed time.Time `json:"completed"`
	Reason    string    `json:"reason"`
}

// BanStore is the read side of the ban tables, implemented by the postgres
// store.
type BanStore interface {
	GetActiveBanForUser(ctx context.Context, userID int64) (*postgres.Ban, error)
	GetIPBan(ctx context.Context, ipHash []byte) (*postgres.Ban, error)
	InsertIPBan(ctx context.Context, ipHash []byte, banID int64) error
}

// Registry caches ban lookups over the store.
type Registry struct {
	store   BanStore
	secrets *secrets.Store
	cache   *ristretto.Cache
	logger  zerolog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(store BanStore, sec *secrets.Store, logger zerolog.Logger) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ban registry: build cache: %w", err)
	}
	return &Registry{
		store:   store,
		secrets: sec,
		cache:   cache,
		logger:  logger.With().Str("component", "bans").Logger(),
	}, nil
}

func fromRow(row *postgres.Ban) *Ban {
	if row == nil {
		return nil
	}
	return &Ban{
		BanID:     row.BanID,
		BanType:   row.BanType,
		UserID:    row.UserID,
		Created:   row.Created,
		Completed: row.Completed,
		Reason:    row.Reason,
	}
}

// cached entries hold *Ban; a stored nil pointer is a cached negative.
func (r *Registry) lookup(ctx context.Context, key string, fetch func(context.Context) (*postgres.Ban, error)) (*Ban, error) {
	if v, ok := r.cache.Get(key); ok {
		return v.(*Ban), nil
	}

	row, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	ban := fromRow(row)
	r.cache.SetWithTTL(key, ban, 1, cacheTTL)
	return ban, nil
}

// UserBan returns the user's active ban, or nil.
func (r *Registry) UserBan(ctx context.Context, userID int64) (*Ban, error) {
	return r.lookup(ctx, fmt.Sprintf("user.%d", userID), func(ctx context.Context) (*postgres.Ban, error) {
		return r.store.GetActiveBanForUser(ctx, userID)
	})
}

// IPBan returns the active ban recorded for an address, or nil. The address
// is salted-hashed before it touches cache or store.
func (r *Registry) IPBan(ctx context.Context, ip string) (*Ban, error) {
	ipHash := r.secrets.HashIP(ip)
	return r.lookup(ctx, "ip."+string(ipHash), func(ctx context.Context) (*postgres.Ban, error) {
		return r.store.GetIPBan(ctx, ipHash)
	})
}

// RecordIPBan associates an address with a ban so later requests from the
// same address are rejected before any token work. Write failures are logged
// and swallowed: the user ban already rejected the request.
func (r *Registry) RecordIPBan(ctx context.Context, ip string, ban *Ban) {
	ipHash := r.secrets.HashIP(ip)
	if err := r.store.InsertIPBan(ctx, ipHash, ban.BanID); err != nil {
		r.logger.Error().Err(err).Int64("ban_id", ban.BanID).Msg("failed to record ip ban")
		return
	}
	r.cache.SetWithTTL("ip."+string(ipHash), ban, 1, cacheTTL)
}

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis client. Keys are prefixed with the
// namespace so multiple stores can share one logical database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a namespaced redis-backed store.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "kv"
	}
	return &RedisStore{client: client, prefix: namespace}
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisStore) indexKey(index string) string {
	return fmt.Sprintf("%s:idx:%s", s.prefix, index)
}

// Put stores value with ttl and registers key in each index set.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration, indexKeys ...string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(key), value, ttl)
	for _, idx := range indexKeys {
		ik := s.indexKey(idx)
		pipe.SAdd(ctx, ik, key)
		// The set must outlive its longest-lived member: NX seeds a TTL on
		// a fresh set, GT only ever extends it. A plain EXPIRE would let a
		// short-TTL put reap the set while longer-lived records are alive.
		pipe.ExpireNX(ctx, ik, ttl)
		pipe.ExpireGT(ctx, ik, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

// Get fetches the value or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the key; absent keys are fine.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("kv: remove %s: %w", key, err)
	}
	return nil
}

// ListIndex returns the member keys of an index set. Expired members may
// linger in the set until their own TTL reaps them; callers must treat a
// subsequent Get returning ErrNotFound as "no longer live".
func (s *RedisStore) ListIndex(ctx context.Context, indexKey string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(indexKey)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("kv: list index %s: %w", indexKey, err)
	}
	return members, nil
}

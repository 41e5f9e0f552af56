package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests and local tooling.
// TTLs are honored lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	indexes map[string]map[string]struct{}
	clock   func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		indexes: make(map[string]map[string]struct{}),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Put stores value with ttl and registers key in each index set.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration, indexKeys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	// A non-positive ttl stores the value without expiry, matching redis.
	var expires time.Time
	if ttl > 0 {
		expires = s.clock().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: cp, expires: expires}
	for _, idx := range indexKeys {
		set, ok := s.indexes[idx]
		if !ok {
			set = make(map[string]struct{})
			s.indexes[idx] = set
		}
		set[key] = struct{}{}
	}
	return nil
}

// Get fetches the value or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || (!entry.expires.IsZero() && s.clock().After(entry.expires)) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

// Remove deletes the key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	for _, set := range s.indexes {
		delete(set, key)
	}
	return nil
}

// ListIndex returns the member keys of an index set.
func (s *MemoryStore) ListIndex(_ context.Context, indexKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.indexes[indexKey]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

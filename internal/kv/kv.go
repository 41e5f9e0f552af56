// Package kv abstracts the namespaced key-value store used for token
// metadata, schema fingerprints, and other TTL-bound records.
//
// Purpose:
//
//	The production implementation is Redis; an in-memory implementation backs
//	unit tests. Records carry a TTL and optionally join secondary-index sets
//	so live tokens can be listed per user.
//
// Key Responsibilities:
//   - Put/Get/Remove with TTL semantics and a distinguishable ErrNotFound
//   - Secondary-index membership via ListIndex
//
// Error Handling:
//   - A missing key is ErrNotFound; everything else is an infrastructure
//     error that callers surface as InternalServerError.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested key does not exist or its TTL
// has elapsed.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value contract.
type Store interface {
	// Put inserts value under key with the given TTL. When indexKeys are
	// provided, key is added to each named index set, which shares the TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, indexKeys ...string) error
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// ListIndex returns the member keys of the named index set.
	ListIndex(ctx context.Context, indexKey string) ([]string, error)
}

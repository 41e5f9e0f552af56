package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kheina-com/backend-sub000/internal/kv"
)

// Token states recorded in the registry.
const (
	StateActive   = "active"
	StateInactive = "inactive"
)

// Metadata is the registry record for a live token, keyed by guid. While a
// record exists with state active and an unexpired TTL, the token is
// honored; removal is revocation.
type Metadata struct {
	State       string    `json:"state"`
	UserID      int64     `json:"user_id"`
	KeyID       int64     `json:"key_id"`
	Algorithm   string    `json:"algorithm"`
	Version     string    `json:"version"`
	Issued      time.Time `json:"issued"`
	Expires     time.Time `json:"expires"`
	Fingerprint []byte    `json:"fingerprint,omitempty"`
}

// Registry is the KV-backed source of truth for revocation.
type Registry struct {
	store kv.Store
}

// NewRegistry wraps a kv store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

func userIndex(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Put records the token with a TTL equal to its remaining lifetime and
// indexes it by user for administrative listing.
func (r *Registry) Put(ctx context.Context, guid uuid.UUID, meta Metadata, ttl time.Duration) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("token registry: marshal metadata: %w", err)
	}
	return r.store.Put(ctx, guid.String(), payload, ttl, userIndex(meta.UserID))
}

// Get returns the metadata for guid or kv.ErrNotFound.
func (r *Registry) Get(ctx context.Context, guid uuid.UUID) (Metadata, error) {
	var meta Metadata
	data, err := r.store.Get(ctx, guid.String())
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("token registry: unmarshal metadata: %w", err)
	}
	return meta, nil
}

// Remove revokes the token. Idempotent.
func (r *Registry) Remove(ctx context.Context, guid uuid.UUID) error {
	return r.store.Remove(ctx, guid.String())
}

// ListByUser returns the guids of a user's live tokens. Entries whose
// records have already expired are skipped.
func (r *Registry) ListByUser(ctx context.Context, userID int64) ([]uuid.UUID, error) {
	keys, err := r.store.ListIndex(ctx, userIndex(userID))
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		guid, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		if _, err := r.store.Get(ctx, k); err == kv.ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, guid)
	}
	return out, nil
}

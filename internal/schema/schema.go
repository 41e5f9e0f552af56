// Package schema is a tiny KV-backed Avro schema repository plus the framed
// bot-credential encoding built on it. A framed value is the schema's CRC-64
// Avro fingerprint (big-endian) followed by the Avro-encoded record, so any
// holder of the repository can resolve the writer schema from the value
// itself.
package schema

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/kheina-com/backend-sub000/internal/kv"
)

// Repo stores Avro schemas by fingerprint.
type Repo struct {
	store kv.Store
}

// NewRepo constructs a Repo over a KV namespace.
func NewRepo(store kv.Store) *Repo {
	return &Repo{store: store}
}

func key(fingerprint uint64) string {
	return fmt.Sprintf("%d", fingerprint)
}

// Add parses and registers schemaJSON, returning its fingerprint. Adding the
// same schema twice is idempotent.
func (r *Repo) Add(ctx context.Context, schemaJSON string) (uint64, error) {
	parsed, err := avro.Parse(schemaJSON)
	if err != nil {
		return 0, fmt.Errorf("schema repo: parse: %w", err)
	}
	fp, err := parsed.FingerprintUsing(avro.CRC64Avro)
	if err != nil {
		return 0, fmt.Errorf("schema repo: fingerprint: %w", err)
	}
	fingerprint := binary.BigEndian.Uint64(fp)

	if err := r.store.Put(ctx, key(fingerprint), []byte(parsed.String()), 0); err != nil {
		return 0, fmt.Errorf("schema repo: store: %w", err)
	}
	return fingerprint, nil
}

// Get resolves a schema by fingerprint. Unknown fingerprints surface the
// store's NotFound.
func (r *Repo) Get(ctx context.Context, fingerprint uint64) (avro.Schema, error) {
	raw, err := r.store.Get(ctx, key(fingerprint))
	if err != nil {
		return nil, err
	}
	parsed, err := avro.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("schema repo: parse stored schema: %w", err)
	}
	return parsed, nil
}

// BotCredentials is the payload of a bot credential token. Password holds the
// raw 64 random bytes; it is never stored in plaintext server-side.
type BotCredentials struct {
	BotID       int64  `avro:"bot_id"`
	UserID      int64  `avro:"user_id"`
	Password    []byte `avro:"password"`
	SecretIndex int    `avro:"secret_index"`
}

// BotCredentialsSchema is the writer schema for BotCredentials. user_id -1
// stands in for "no owning user" (internal bots).
const BotCredentialsSchema = `{
	"type": "record",
	"name": "BotCredentials",
	"namespace": "auth",
	"fields": [
		{"name": "bot_id", "type": "long"},
		{"name": "user_id", "type": "long"},
		{"name": "password", "type": "bytes"},
		{"name": "secret_index", "type": "int"}
	]
}`

// FrameBotCredentials registers the schema and returns the base64 framed
// credential handed to bot operators.
func FrameBotCredentials(ctx context.Context, repo *Repo, creds BotCredentials) (string, error) {
	fingerprint, err := repo.Add(ctx, BotCredentialsSchema)
	if err != nil {
		return "", err
	}
	parsed, err := avro.Parse(BotCredentialsSchema)
	if err != nil {
		return "", fmt.Errorf("frame bot credentials: %w", err)
	}
	body, err := avro.Marshal(parsed, creds)
	if err != nil {
		return "", fmt.Errorf("frame bot credentials: %w", err)
	}

	framed := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(framed, fingerprint)
	framed = append(framed, body...)
	return base64.RawURLEncoding.EncodeToString(framed), nil
}

// UnframeBotCredentials decodes a framed credential, resolving the writer
// schema through the repository.
func UnframeBotCredentials(ctx context.Context, repo *Repo, token string) (BotCredentials, error) {
	var creds BotCredentials

	framed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(framed) < 8 {
		return creds, fmt.Errorf("unframe bot credentials: malformed token")
	}

	parsed, err := repo.Get(ctx, binary.BigEndian.Uint64(framed[:8]))
	if err != nil {
		return creds, fmt.Errorf("unframe bot credentials: %w", err)
	}
	if err := avro.Unmarshal(parsed, framed[8:], &creds); err != nil {
		return creds, fmt.Errorf("unframe bot credentials: %w", err)
	}
	return creds, nil
}

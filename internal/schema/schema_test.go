package schema

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/kv"
)

func TestRepoAddIsIdempotent(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())
	ctx := context.Background()

	fp1, err := repo.Add(ctx, BotCredentialsSchema)
	require.NoError(t, err)
	fp2, err := repo.Add(ctx, BotCredentialsSchema)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	schema, err := repo.Get(ctx, fp1)
	require.NoError(t, err)
	assert.NotNil(t, schema)
}

func TestRepoGetUnknownFingerprint(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())

	_, err := repo.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRepoAddRejectsInvalidSchema(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())

	_, err := repo.Add(context.Background(), `{"type": "nonsense"}`)
	assert.Error(t, err)
}

func TestBotCredentialsRoundTrip(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())
	ctx := context.Background()

	password := make([]byte, 64)
	_, err := rand.Read(password)
	require.NoError(t, err)

	creds := BotCredentials{
		BotID:       17,
		UserID:      42,
		Password:    password,
		SecretIndex: 1,
	}

	framed, err := FrameBotCredentials(ctx, repo, creds)
	require.NoError(t, err)
	assert.NotEmpty(t, framed)

	got, err := UnframeBotCredentials(ctx, repo, framed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestBotCredentialsInternalBot(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())
	ctx := context.Background()

	creds := BotCredentials{BotID: 3, UserID: -1, Password: []byte("p"), SecretIndex: 0}

	framed, err := FrameBotCredentials(ctx, repo, creds)
	require.NoError(t, err)

	got, err := UnframeBotCredentials(ctx, repo, framed)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got.UserID)
}

func TestUnframeMalformedToken(t *testing.T) {
	repo := NewRepo(kv.NewMemoryStore())
	ctx := context.Background()

	_, err := UnframeBotCredentials(ctx, repo, "not!base64!")
	assert.Error(t, err)

	// Too short to carry a fingerprint.
	_, err = UnframeBotCredentials(ctx, repo, "AAAA")
	assert.Error(t, err)

	// Valid base64 with an unregistered fingerprint.
	_, err = UnframeBotCredentials(ctx, repo, "AAAAAAAAAAAAAAAA")
	assert.Error(t, err)
}

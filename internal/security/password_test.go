package security

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/secrets"
)

func testSecrets(t *testing.T) *secrets.Store {
	t.Helper()
	sec, err := secrets.New([][]byte{
		[]byte("pepper-zero-0123456789abcdef"),
		[]byte("pepper-one-0123456789abcdef0"),
	}, []byte("ip-salt"))
	require.NoError(t, err)
	return sec
}

func testParams() Params {
	// Low cost keeps the suite fast; policy values are irrelevant here.
	return Params{Time: 1, Memory: 8 * 1024, Threads: 1}
}

func TestHashAndVerify(t *testing.T) {
	hasher := NewPasswordHasher(testSecrets(t), testParams())
	ctx := context.Background()

	encoded, index, err := hasher.Hash(ctx, []byte("correcthorsebatterystaple"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "argon2id$v=19$"))
	assert.GreaterOrEqual(t, index, 0)
	assert.Less(t, index, 2)

	ok, err := hasher.Verify(ctx, []byte("correcthorsebatterystaple"), index, encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify(ctx, []byte("wrong password here"), index, encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWrongPepperIndexFails(t *testing.T) {
	hasher := NewPasswordHasher(testSecrets(t), testParams())
	ctx := context.Background()

	encoded, index, err := hasher.Hash(ctx, []byte("correcthorsebatterystaple"))
	require.NoError(t, err)

	other := (index + 1) % 2
	ok, err := hasher.Verify(ctx, []byte("correcthorsebatterystaple"), other, encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNeedsRehash(t *testing.T) {
	weak := NewPasswordHasher(testSecrets(t), Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	strong := NewPasswordHasher(testSecrets(t), Params{Time: 2, Memory: 16 * 1024, Threads: 1})
	ctx := context.Background()

	encoded, _, err := weak.Hash(ctx, []byte("correcthorsebatterystaple"))
	require.NoError(t, err)

	assert.False(t, weak.NeedsRehash(encoded))
	assert.True(t, strong.NeedsRehash(encoded))
	assert.True(t, strong.NeedsRehash("garbage"))
}

func TestParseEncodedRejectsMalformed(t *testing.T) {
	salt := base64.RawStdEncoding.EncodeToString([]byte("0123456789abcdef"))
	hash := base64.RawStdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	cases := []string{
		"",
		"argon2id$v=19$t=1$m=8192$p=1$" + salt, // missing hash part
		"argon2i$v=19$t=1$m=8192$p=1$" + salt + "$" + hash,
		"argon2id$v=18$t=1$m=8192$p=1$" + salt + "$" + hash,
		"argon2id$v=19$t=x$m=8192$p=1$" + salt + "$" + hash,
	}
	for _, encoded := range cases {
		_, _, _, err := parseEncoded(encoded)
		assert.Error(t, err, "input %q", encoded)
	}
}

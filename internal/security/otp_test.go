package security

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kheina-com/backend-sub000/internal/apierror"
)

var errRowNotFound = errors.New("not found")

type memOtpStorage struct {
	logins   map[int64]bool
	records  map[int64]OtpRecordParams
	recovery map[int64]map[int]RecoveryKey
}

func newMemOtpStorage() *memOtpStorage {
	return &memOtpStorage{
		logins:   map[int64]bool{},
		records:  map[int64]OtpRecordParams{},
		recovery: map[int64]map[int]RecoveryKey{},
	}
}

func (s *memOtpStorage) UserLoginExists(_ context.Context, userID int64, _ []byte) (bool, error) {
	return s.logins[userID], nil
}

func (s *memOtpStorage) CreateOtp(_ context.Context, params OtpRecordParams) error {
	if _, enrolled := s.records[params.UserID]; enrolled {
		return apierror.Conflict("an OTP key is already enrolled for this user.")
	}
	// Recovery rows retained from a removed enrollment are cleared before
	// inserting, matching the store's transaction; the (user_id, key_id)
	// primary key rejects any row that survives.
	delete(s.recovery, params.UserID)
	rows := map[int]RecoveryKey{}
	for _, rk := range params.RecoveryKeys {
		if _, exists := rows[rk.KeyID]; exists {
			return apierror.Conflict("an OTP key is already enrolled for this user.")
		}
		rows[rk.KeyID] = RecoveryKey{
			UserID:      params.UserID,
			KeyID:       rk.KeyID,
			SecretIndex: rk.SecretIndex,
			RecoveryKey: rk.RecoveryKey,
		}
	}
	s.records[params.UserID] = params
	s.recovery[params.UserID] = rows
	return nil
}

func (s *memOtpStorage) GetRecoveryKey(_ context.Context, userID int64, keyID int) (RecoveryKey, error) {
	if row, ok := s.recovery[userID][keyID]; ok {
		return row, nil
	}
	return RecoveryKey{}, errRowNotFound
}

func (s *memOtpStorage) DeleteRecoveryKey(_ context.Context, userID int64, keyID int) error {
	delete(s.recovery[userID], keyID)
	return nil
}

func (s *memOtpStorage) DeleteOtp(_ context.Context, userID int64) error {
	delete(s.records, userID)
	return nil
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sec := testSecrets(t)

	env, err := Seal(sec, "alice@example.com", "JBSWY3DPEHPK3PXP", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, env.SecretIndex)
	assert.Len(t, env.Nonce, 12)

	secret, err := env.Open(sec, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", secret)

	// Bound to the email: a different address cannot open the envelope.
	_, err = env.Open(sec, "mallory@example.com")
	assert.Error(t, err)
}

func enrolled(t *testing.T) (*OtpStore, *memOtpStorage, string, []string) {
	t.Helper()

	sec := testSecrets(t)
	hasher := NewPasswordHasher(sec, testParams())
	storage := newMemOtpStorage()
	storage.logins[42] = true
	store := NewOtpStore(sec, hasher, storage)

	secret, _, err := GenerateTOTPSecret("fuzz.ly", "alice@example.com")
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	codes, err := store.Add(context.Background(), 42, "alice@example.com", secret, code)
	require.NoError(t, err)
	return store, storage, secret, codes
}

func TestAddIssuesSixteenRecoveryCodes(t *testing.T) {
	_, storage, _, codes := enrolled(t)

	require.Len(t, codes, RecoveryCodeCount)
	require.Len(t, storage.recovery[42], RecoveryCodeCount)

	seen := map[int]bool{}
	for _, code := range codes {
		raw, err := hex.DecodeString(code)
		require.NoError(t, err)
		require.Len(t, raw, 6)

		keyID := int(raw[0] & 0x0f)
		assert.False(t, seen[keyID], "duplicate key id %d", keyID)
		seen[keyID] = true
	}
	assert.Len(t, seen, RecoveryCodeCount)
}

func TestAddRejectsBadProofCode(t *testing.T) {
	sec := testSecrets(t)
	hasher := NewPasswordHasher(sec, testParams())
	storage := newMemOtpStorage()
	storage.logins[42] = true
	store := NewOtpStore(sec, hasher, storage)

	secret, _, err := GenerateTOTPSecret("fuzz.ly", "alice@example.com")
	require.NoError(t, err)

	_, err = store.Add(context.Background(), 42, "alice@example.com", secret, "000000")
	require.Error(t, err)
	assert.True(t, apierror.From(err).Kind == apierror.KindBadRequest)
	assert.Empty(t, storage.records)
}

func TestVerifyTOTP(t *testing.T) {
	store, storage, secret, _ := enrolled(t)

	record := storage.records[42]
	env := Envelope{
		SecretIndex: record.SecretIndex,
		Nonce:       record.Nonce,
		Ciphertext:  record.Ciphertext,
	}

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.VerifyTOTP("alice@example.com", env, code))

	err = store.VerifyTOTP("alice@example.com", env, "000000")
	require.Error(t, err)
	assert.Equal(t, apierror.FailedLoginMessage, apierror.From(err).Message)
}

func TestRecoveryCodeSingleUse(t *testing.T) {
	store, storage, _, codes := enrolled(t)
	ctx := context.Background()

	consume, err := store.VerifyRecovery(ctx, 42, codes[7])
	require.NoError(t, err)

	// Not consumed until the closure runs; a concurrent verify still passes.
	again, err := store.VerifyRecovery(ctx, 42, codes[7])
	require.NoError(t, err)
	require.NotNil(t, again)

	require.NoError(t, consume(ctx))
	require.Len(t, storage.recovery[42], RecoveryCodeCount-1)

	_, err = store.VerifyRecovery(ctx, 42, codes[7])
	require.Error(t, err)
	assert.Equal(t, apierror.FailedLoginMessage, apierror.From(err).Message)

	// The other codes remain valid.
	consume3, err := store.VerifyRecovery(ctx, 42, codes[3])
	require.NoError(t, err)
	require.NoError(t, consume3(ctx))
}

func TestVerifyRecoveryRejectsMalformed(t *testing.T) {
	store, _, _, _ := enrolled(t)
	ctx := context.Background()

	for _, code := range []string{"", "zz", "nothex!!!!!!", "abcd"} {
		_, err := store.VerifyRecovery(ctx, 42, code)
		require.Error(t, err, "input %q", code)
	}
}

func TestRemoveDeletesEnrollment(t *testing.T) {
	store, storage, _, _ := enrolled(t)

	require.NoError(t, store.Remove(context.Background(), 42))
	assert.Empty(t, storage.records)
}

func TestAddConflictsWhenEnrolled(t *testing.T) {
	store, _, secret, _ := enrolled(t)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	_, err = store.Add(context.Background(), 42, "alice@example.com", secret, code)
	require.Error(t, err)
	assert.Equal(t, apierror.KindConflict, apierror.From(err).Kind)
}

func TestReEnrollAfterRemove(t *testing.T) {
	store, storage, _, oldCodes := enrolled(t)
	ctx := context.Background()

	require.NoError(t, store.Remove(ctx, 42))
	// Removal keeps the recovery rows; they must not block re-enrollment.
	require.Len(t, storage.recovery[42], RecoveryCodeCount)

	secret, _, err := GenerateTOTPSecret("fuzz.ly", "alice@example.com")
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	newCodes, err := store.Add(ctx, 42, "alice@example.com", secret, code)
	require.NoError(t, err)
	require.Len(t, newCodes, RecoveryCodeCount)

	// The retained codes died with the old enrollment.
	_, err = store.VerifyRecovery(ctx, 42, oldCodes[0])
	require.Error(t, err)

	consume, err := store.VerifyRecovery(ctx, 42, newCodes[0])
	require.NoError(t, err)
	require.NoError(t, consume(ctx))
}

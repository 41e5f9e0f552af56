package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/secrets"
)

// RecoveryCodeCount is the number of single-use recovery codes issued per
// OTP enrollment. The low nibble of a code's first byte addresses its row,
// which caps the count at 16.
const RecoveryCodeCount = 16

const nonceLen = 12

// Envelope is the encrypted form of a TOTP secret as stored per user.
// The AES-256-GCM key is SHA-256(email || pepper) and the pepper doubles as
// the AAD, so the ciphertext is bound to both the account email and the
// server-side secret sequence.
type Envelope struct {
	SecretIndex int
	Nonce       []byte
	Ciphertext  []byte
}

func envelopeKey(sec *secrets.Store, email string, index int) ([]byte, []byte, error) {
	pepper, err := sec.Get(index)
	if err != nil {
		return nil, nil, err
	}
	k := sha256.Sum256(append([]byte(email), pepper...))
	return k[:], pepper, nil
}

// Seal encrypts otpSecret for email under the pepper at index.
func Seal(sec *secrets.Store, email, otpSecret string, index int) (Envelope, error) {
	key, pepper, err := envelopeKey(sec, email, index)
	if err != nil {
		return Envelope{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("otp envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("otp envelope: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("otp envelope: generate nonce: %w", err)
	}

	return Envelope{
		SecretIndex: index,
		Nonce:       nonce,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(otpSecret), pepper),
	}, nil
}

// Open decrypts the envelope back into the TOTP secret.
func (e Envelope) Open(sec *secrets.Store, email string) (string, error) {
	key, pepper, err := envelopeKey(sec, email, e.SecretIndex)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("otp envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("otp envelope: %w", err)
	}

	plaintext, err := gcm.Open(nil, e.Nonce, e.Ciphertext, pepper)
	if err != nil {
		return "", fmt.Errorf("otp envelope: open: %w", err)
	}
	return string(plaintext), nil
}

// OtpRecordParams creates an OTP enrollment: the envelope row plus all
// recovery-code rows, inserted in one transaction.
type OtpRecordParams struct {
	UserID       int64
	SecretIndex  int
	Nonce        []byte
	Ciphertext   []byte
	RecoveryKeys []RecoveryKeyParams
}

// RecoveryKeyParams is one recovery-code row.
type RecoveryKeyParams struct {
	KeyID       int
	SecretIndex int
	RecoveryKey string
}

// RecoveryKey is a stored recovery-code row.
type RecoveryKey struct {
	UserID      int64
	KeyID       int
	SecretIndex int
	RecoveryKey string
}

// OtpStorage is the persistence contract for OTP enrollment, implemented by
// the postgres store.
type OtpStorage interface {
	UserLoginExists(ctx context.Context, userID int64, emailHash []byte) (bool, error)
	CreateOtp(ctx context.Context, params OtpRecordParams) error
	GetRecoveryKey(ctx context.Context, userID int64, keyID int) (RecoveryKey, error)
	DeleteRecoveryKey(ctx context.Context, userID int64, keyID int) error
	DeleteOtp(ctx context.Context, userID int64) error
}

// OtpStore manages OTP enrollment and verification.
type OtpStore struct {
	secrets *secrets.Store
	hasher  *PasswordHasher
	storage OtpStorage
}

// NewOtpStore constructs an OtpStore.
func NewOtpStore(sec *secrets.Store, hasher *PasswordHasher, storage OtpStorage) *OtpStore {
	return &OtpStore{secrets: sec, hasher: hasher, storage: storage}
}

// Add enrolls userID in OTP. The caller supplies the TOTP secret it handed
// to the user and a current code proving the user captured it. Returns the
// plaintext recovery codes (hex, 12 chars each) exactly once.
func (s *OtpStore) Add(ctx context.Context, userID int64, email, otpSecret, otpCode string) ([]string, error) {
	// Failures are deliberately indistinct so a caller cannot tell which
	// precondition was missed.
	if !ValidateTOTP(otpSecret, otpCode) {
		return nil, apierror.BadRequest("OTP enrollment failed.")
	}

	exists, err := s.storage.UserLoginExists(ctx, userID, s.secrets.HashEmail(email))
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if !exists {
		return nil, apierror.BadRequest("OTP enrollment failed.")
	}

	env, err := Seal(s.secrets, email, otpSecret, s.secrets.RandomIndex())
	if err != nil {
		return nil, apierror.Internal(err)
	}

	codes := make([]string, 0, RecoveryCodeCount)
	rows := make([]RecoveryKeyParams, 0, RecoveryCodeCount)
	for keyID := 0; keyID < RecoveryCodeCount; keyID++ {
		code := make([]byte, 6)
		if _, err := rand.Read(code); err != nil {
			return nil, apierror.Internal(fmt.Errorf("generate recovery code: %w", err))
		}
		// The low nibble of byte 0 addresses the row holding the code's hash.
		code[0] = code[0]&0xf0 | byte(keyID)

		encoded, index, err := s.hasher.Hash(ctx, code)
		if err != nil {
			return nil, apierror.Internal(err)
		}

		codes = append(codes, hex.EncodeToString(code))
		rows = append(rows, RecoveryKeyParams{KeyID: keyID, SecretIndex: index, RecoveryKey: encoded})
	}

	if err := s.storage.CreateOtp(ctx, OtpRecordParams{
		UserID:       userID,
		SecretIndex:  env.SecretIndex,
		Nonce:        env.Nonce,
		Ciphertext:   env.Ciphertext,
		RecoveryKeys: rows,
	}); err != nil {
		return nil, err
	}

	return codes, nil
}

// VerifyTOTP decrypts the user's envelope and checks the 6-digit code.
func (s *OtpStore) VerifyTOTP(email string, env Envelope, code string) error {
	secret, err := env.Open(s.secrets, email)
	if err != nil {
		return apierror.FailedLogin()
	}
	if !ValidateTOTP(secret, code) {
		return apierror.FailedLogin()
	}
	return nil
}

// VerifyRecovery checks a 12-hex-char recovery code and, on success, returns
// a deletion closure. The login path invokes the closure only after every
// other check passes, which is what enforces single use.
func (s *OtpStore) VerifyRecovery(ctx context.Context, userID int64, code string) (func(context.Context) error, error) {
	raw, err := hex.DecodeString(code)
	if err != nil || len(raw) != 6 {
		return nil, apierror.FailedLogin()
	}

	keyID := int(raw[0] & 0x0f)
	row, err := s.storage.GetRecoveryKey(ctx, userID, keyID)
	if err != nil {
		return nil, apierror.FailedLogin()
	}

	ok, err := s.hasher.Verify(ctx, raw, row.SecretIndex, row.RecoveryKey)
	if err != nil || !ok {
		return nil, apierror.FailedLogin()
	}

	return func(ctx context.Context) error {
		return s.storage.DeleteRecoveryKey(ctx, userID, keyID)
	}, nil
}

// Remove deletes the user's OTP enrollment. Recovery-code rows of the
// enrollment are left behind; they are unreachable once the record is gone.
func (s *OtpStore) Remove(ctx context.Context, userID int64) error {
	return s.storage.DeleteOtp(ctx, userID)
}

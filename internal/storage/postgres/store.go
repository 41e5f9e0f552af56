// Package postgres provides Postgres-backed persistence for the auth
// subsystem: signing keys, user and bot logins, OTP enrollments, and the
// read side of moderation bans.
//
// Purpose:
//
//	Hand-written SQL per entity; the column names and uniqueness constraints
//	in migrations/sql are part of the service contract. The store implements
//	the narrow interfaces declared by its consumers (keyring.Store,
//	security.OtpStorage, the authenticator and ban-registry stores).
//
// Error Handling:
//   - Missing rows surface as ErrNotFound (callers map it onto their own
//     taxonomy, e.g. FailedLogin)
//   - Unique violations surface as apierror.Conflict
//   - Missing signing keys surface as apierror.NotFound, matching the public
//     key lookup contract
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/keyring"
	"github.com/kheina-com/backend-sub000/internal/security"
)

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// Store provides Postgres-backed persistence.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewStore creates a store using the provided connection string and takes
// ownership of the pool.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Store{pool: pool, ownsPool: true}, nil
}

// NewStoreFromPool wraps an existing pgx pool.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool if the store owns it.
func (s *Store) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pgx pool for readiness probes.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// SaveSigningKey inserts a signing key record. The store assigns key_id,
// issued, and the 30-day expiry.
func (s *Store) SaveSigningKey(ctx context.Context, algorithm string, publicDER, signature []byte) (keyring.SigningKeyRecord, error) {
	rec := keyring.SigningKeyRecord{Algorithm: algorithm, PublicDER: publicDER, Signature: signature}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signing_keys (algorithm, public_key, signature)
		VALUES ($1, $2, $3)
		RETURNING key_id, issued, expires
	`, algorithm, publicDER, signature).Scan(&rec.KeyID, &rec.Issued, &rec.Expires)
	if err != nil {
		return rec, fmt.Errorf("save signing key: %w", err)
	}
	return rec, nil
}

// GetSigningKey fetches a signing key record by (algorithm, key_id).
func (s *Store) GetSigningKey(ctx context.Context, algorithm string, keyID int64) (keyring.SigningKeyRecord, error) {
	var rec keyring.SigningKeyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT key_id, algorithm, public_key, signature, issued, expires
		FROM signing_keys
		WHERE algorithm = $1 AND key_id = $2
	`, algorithm, keyID).Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicDER, &rec.Signature, &rec.Issued, &rec.Expires)
	if err != nil {
		if err == pgx.ErrNoRows {
			return rec, apierror.NotFound("Public key does not exist for provided algorithm and key_id.")
		}
		return rec, fmt.Errorf("get signing key: %w", err)
	}
	return rec, nil
}

// CreateUser inserts the user row and its login row in one transaction and
// returns the generated user id.
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (int64, error) {
	var userID int64
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO users (handle, display_name)
			VALUES ($1, $2)
			RETURNING user_id
		`, params.Handle, params.DisplayName).Scan(&userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_login (user_id, email_hash, password, secret_index)
			VALUES ($1, $2, $3, $4)
		`, userID, params.EmailHash, params.Password, params.SecretIndex)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apierror.Conflict("a user already exists with this handle or email.")
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return userID, nil
}

// GetLoginByEmailHash fetches the joined login row for an email hash.
func (s *Store) GetLoginByEmailHash(ctx context.Context, emailHash []byte) (LoginRow, error) {
	var row LoginRow
	err := s.pool.QueryRow(ctx, `
		SELECT
			ul.user_id,
			ul.password,
			ul.secret_index,
			u.handle,
			u.display_name,
			u.mod,
			o.secret_index,
			o.nonce,
			o.ciphertext
		FROM user_login ul
		JOIN users u ON u.user_id = ul.user_id
		LEFT JOIN otp o ON o.user_id = ul.user_id
		WHERE ul.email_hash = $1
	`, emailHash).Scan(
		&row.UserID,
		&row.Password,
		&row.SecretIndex,
		&row.Handle,
		&row.Name,
		&row.Mod,
		&row.OtpSecretIndex,
		&row.OtpNonce,
		&row.OtpCiphertext,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return row, ErrNotFound
		}
		return row, fmt.Errorf("get login: %w", err)
	}
	return row, nil
}

// UpdatePassword replaces the stored password hash and pepper index.
// Concurrent rehash updates are idempotent; last write wins and the row
// simply holds a current-policy hash.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, password string, secretIndex int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_login SET password = $2, secret_index = $3 WHERE user_id = $1
	`, userID, password, secretIndex)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// UserLoginExists reports whether a login row exists for (user_id, email_hash).
func (s *Store) UserLoginExists(ctx context.Context, userID int64, emailHash []byte) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_login WHERE user_id = $1 AND email_hash = $2)
	`, userID, emailHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user login exists: %w", err)
	}
	return exists, nil
}

// CreateOtp inserts the OTP envelope and all recovery-code rows in one
// transaction.
func (s *Store) CreateOtp(ctx context.Context, params security.OtpRecordParams) error {
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// A removed enrollment leaves its recovery rows behind; they are
		// unreachable without an otp row, and their (user_id, key_id) PK
		// would otherwise block re-enrollment forever.
		if _, err := tx.Exec(ctx, `
			DELETE FROM otp_recovery_keys WHERE user_id = $1
		`, params.UserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO otp (user_id, secret_index, nonce, ciphertext)
			VALUES ($1, $2, $3, $4)
		`, params.UserID, params.SecretIndex, params.Nonce, params.Ciphertext); err != nil {
			return err
		}
		for _, rk := range params.RecoveryKeys {
			if _, err := tx.Exec(ctx, `
				INSERT INTO otp_recovery_keys (user_id, key_id, secret_index, recovery_key)
				VALUES ($1, $2, $3, $4)
			`, params.UserID, rk.KeyID, rk.SecretIndex, rk.RecoveryKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.Conflict("an OTP key is already enrolled for this user.")
		}
		return fmt.Errorf("create otp: %w", err)
	}
	return nil
}

// GetRecoveryKey fetches one recovery-code row.
func (s *Store) GetRecoveryKey(ctx context.Context, userID int64, keyID int) (security.RecoveryKey, error) {
	row := security.RecoveryKey{UserID: userID, KeyID: keyID}
	err := s.pool.QueryRow(ctx, `
		SELECT secret_index, recovery_key
		FROM otp_recovery_keys
		WHERE user_id = $1 AND key_id = $2
	`, userID, keyID).Scan(&row.SecretIndex, &row.RecoveryKey)
	if err != nil {
		if err == pgx.ErrNoRows {
			return row, ErrNotFound
		}
		return row, fmt.Errorf("get recovery key: %w", err)
	}
	return row, nil
}

// DeleteRecoveryKey consumes a recovery code. Idempotent.
func (s *Store) DeleteRecoveryKey(ctx context.Context, userID int64, keyID int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM otp_recovery_keys WHERE user_id = $1 AND key_id = $2
	`, userID, keyID)
	if err != nil {
		return fmt.Errorf("delete recovery key: %w", err)
	}
	return nil
}

// DeleteOtp removes the user's OTP enrollment. Recovery rows are retained.
func (s *Store) DeleteOtp(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM otp WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	return nil
}

// UpsertBotLogin creates or replaces a bot credential and returns its id.
// Users hold at most one bot login each.
func (s *Store) UpsertBotLogin(ctx context.Context, params UpsertBotLoginParams) (int64, error) {
	var botID int64
	var err error
	if params.UserID != nil {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO bot_login (user_id, password, secret_index, bot_type, created_by)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) WHERE user_id IS NOT NULL
			DO UPDATE SET
				password = excluded.password,
				secret_index = excluded.secret_index,
				bot_type = excluded.bot_type,
				created_by = excluded.created_by
			RETURNING bot_id
		`, params.UserID, params.Password, params.SecretIndex, params.BotType, params.CreatedBy).Scan(&botID)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO bot_login (user_id, password, secret_index, bot_type, created_by)
			VALUES (NULL, $1, $2, $3, $4)
			RETURNING bot_id
		`, params.Password, params.SecretIndex, params.BotType, params.CreatedBy).Scan(&botID)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert bot login: %w", err)
	}
	return botID, nil
}

// GetBotLogin fetches a bot credential by id.
func (s *Store) GetBotLogin(ctx context.Context, botID int64) (BotLoginRow, error) {
	row := BotLoginRow{BotID: botID}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, password, secret_index, bot_type, created_by
		FROM bot_login
		WHERE bot_id = $1
	`, botID).Scan(&row.UserID, &row.Password, &row.SecretIndex, &row.BotType, &row.CreatedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return row, ErrNotFound
		}
		return row, fmt.Errorf("get bot login: %w", err)
	}
	return row, nil
}

// UpdateBotPassword replaces a bot credential's hash in place, used when a
// verify finds the stored hash below current policy.
func (s *Store) UpdateBotPassword(ctx context.Context, botID int64, password string, secretIndex int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bot_login SET password = $2, secret_index = $3 WHERE bot_id = $1
	`, botID, password, secretIndex)
	if err != nil {
		return fmt.Errorf("update bot password: %w", err)
	}
	return nil
}

// GetActiveBanForUser returns the user's latest active ban, or nil.
func (s *Store) GetActiveBanForUser(ctx context.Context, userID int64) (*Ban, error) {
	var ban Ban
	err := s.pool.QueryRow(ctx, `
		SELECT ban_id, ban_type, user_id, created, completed, reason
		FROM bans
		WHERE user_id = $1 AND completed > now()
		ORDER BY completed DESC
		LIMIT 1
	`, userID).Scan(&ban.BanID, &ban.BanType, &ban.UserID, &ban.Created, &ban.Completed, &ban.Reason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user ban: %w", err)
	}
	return &ban, nil
}

// GetIPBan returns the active ban referenced by a hashed IP, or nil. Lookups
// are always by salted hash, never by plaintext address.
func (s *Store) GetIPBan(ctx context.Context, ipHash []byte) (*Ban, error) {
	var ban Ban
	err := s.pool.QueryRow(ctx, `
		SELECT b.ban_id, b.ban_type, b.user_id, b.created, b.completed, b.reason
		FROM ip_bans ib
		JOIN bans b ON b.ban_id = ib.ban_id
		WHERE ib.ip_hash = $1 AND b.completed > now()
	`, ipHash).Scan(&ban.BanID, &ban.BanType, &ban.UserID, &ban.Created, &ban.Completed, &ban.Reason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get ip ban: %w", err)
	}
	return &ban, nil
}

// InsertIPBan records a hashed IP against a ban so later requests from the
// same address short-circuit. Idempotent.
func (s *Store) InsertIPBan(ctx context.Context, ipHash []byte, banID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ip_bans (ip_hash, ban_id)
		VALUES ($1, $2)
		ON CONFLICT (ip_hash) DO NOTHING
	`, ipHash, banID)
	if err != nil {
		return fmt.Errorf("insert ip ban: %w", err)
	}
	return nil
}

// CreateBan inserts a ban row. Used by moderation tooling and tests; the
// auth path only reads bans.
func (s *Store) CreateBan(ctx context.Context, params CreateBanParams) (Ban, error) {
	ban := Ban{BanType: params.BanType, UserID: params.UserID, Reason: params.Reason}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bans (ban_type, user_id, completed, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING ban_id, created, completed
	`, params.BanType, params.UserID, params.Completed, params.Reason).Scan(&ban.BanID, &ban.Created, &ban.Completed)
	if err != nil {
		return ban, fmt.Errorf("create ban: %w", err)
	}
	return ban, nil
}

// InsertSystemTags creates the two per-user system tags added at account
// finalization. Idempotent.
func (s *Store) InsertSystemTags(ctx context.Context, handle string, ownerID int64) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, tag := range []string{handle + "_(artist)", handle + "_(subject)"} {
			if _, err := tx.Exec(ctx, `
				INSERT INTO tags (tag, owner)
				VALUES ($1, $2)
				ON CONFLICT (tag) DO NOTHING
			`, tag, ownerID); err != nil {
				return fmt.Errorf("insert system tag %s: %w", tag, err)
			}
		}
		return nil
	})
}

// Package auth implements login, account credential management, bot
// credentials, scope checks, and the per-request identity populated by the
// HTTP gate.
//
// Purpose:
//
//	The Authenticator is the single writer of session tokens: every token in
//	the system is minted here (or by the account flows through here) after
//	the appropriate credential checks. Credential failures collapse into one
//	FailedLogin message so callers cannot distinguish a wrong password from
//	a wrong OTP or an unknown account.
//
// Key Responsibilities:
//   - Login: email hash lookup, OTP policy, Argon2 verify, rehash upgrade,
//     scope assignment, token issuance
//   - Password change, user creation, bot credential create/login
//   - Short-TTL purpose tokens for the email-gated account flows
//
// Error Handling:
//   - FailedLogin for every credential mismatch and unknown account
//   - UnprocessableEntity when OTP is enrolled but absent from the request
//   - Conflict passes through from the store on duplicate handle/email
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/audit"
	"github.com/kheina-com/backend-sub000/internal/metrics"
	"github.com/kheina-com/backend-sub000/internal/schema"
	"github.com/kheina-com/backend-sub000/internal/secrets"
	"github.com/kheina-com/backend-sub000/internal/security"
	"github.com/kheina-com/backend-sub000/internal/storage/postgres"
	"github.com/kheina-com/backend-sub000/internal/token"
)

// PurposeTokenTTL is the lifetime of email-gated purpose tokens.
const PurposeTokenTTL = 900 * time.Second

// botPasswordLen is the raw length of generated bot passwords.
const botPasswordLen = 64

// Bot credential classes.
const (
	BotTypeBot      = postgres.BotTypeBot
	BotTypeInternal = postgres.BotTypeInternal
)

// adminDomains grants the admin scope ladder at login by email domain.
var adminDomains = map[string]struct{}{
	"kheina.com": {},
	"fuzz.ly":    {},
}

// Store is the persistence surface the authenticator needs, implemented by
// the postgres store.
type Store interface {
	CreateUser(ctx context.Context, params postgres.CreateUserParams) (int64, error)
	GetLoginByEmailHash(ctx context.Context, emailHash []byte) (postgres.LoginRow, error)
	UpdatePassword(ctx context.Context, userID int64, password string, secretIndex int) error
	UpsertBotLogin(ctx context.Context, params postgres.UpsertBotLoginParams) (int64, error)
	GetBotLogin(ctx context.Context, botID int64) (postgres.BotLoginRow, error)
	UpdateBotPassword(ctx context.Context, botID int64, password string, secretIndex int) error
	InsertSystemTags(ctx context.Context, handle string, ownerID int64) error
}

// RequestContext carries the request attributes baked into token claims.
type RequestContext struct {
	IP          string
	Fingerprint string
}

// LoginResult is a successful authentication.
type LoginResult struct {
	UserID int64
	Handle string
	Name   string
	Mod    bool
	Token  *token.IssuedToken
}

// Authenticator performs credential checks and mints tokens.
type Authenticator struct {
	store   Store
	secrets *secrets.Store
	hasher  *security.PasswordHasher
	otp     *security.OtpStore
	codec   *token.Codec
	schemas *schema.Repo
	audit   audit.Emitter
	logger  zerolog.Logger
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(
	store Store,
	sec *secrets.Store,
	hasher *security.PasswordHasher,
	otp *security.OtpStore,
	codec *token.Codec,
	schemas *schema.Repo,
	auditor audit.Emitter,
	logger zerolog.Logger,
) *Authenticator {
	return &Authenticator{
		store:   store,
		secrets: sec,
		hasher:  hasher,
		otp:     otp,
		codec:   codec,
		schemas: schemas,
		audit:   auditor,
		logger:  logger.With().Str("component", "authenticator").Logger(),
	}
}

// Login authenticates email/password (plus OTP when enrolled) and issues a
// session token.
func (a *Authenticator) Login(ctx context.Context, email, password, otpCode string, req RequestContext) (*LoginResult, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	row, err := a.store.GetLoginByEmailHash(ctx, a.secrets.HashEmail(email))
	if err != nil {
		if err == postgres.ErrNotFound {
			metrics.RecordLogin("failed")
			a.audit.Emit(ctx, audit.Event{Action: audit.ActionLoginFailed})
			return nil, apierror.FailedLogin()
		}
		return nil, apierror.Internal(err)
	}

	// OTP policy runs before the password check so a recovery code's
	// deletion closure exists by the time every other check has passed.
	var consumeRecovery func(context.Context) error
	if row.OtpEnrolled() {
		switch {
		case otpCode == "":
			metrics.RecordLogin("missing_otp")
			return nil, apierror.Unprocessable("missing otp key")

		case len(otpCode) != 6:
			consumeRecovery, err = a.otp.VerifyRecovery(ctx, row.UserID, otpCode)
			if err != nil {
				metrics.RecordOtp("verify_recovery", "failed")
				metrics.RecordLogin("failed")
				a.audit.Emit(ctx, audit.Event{Action: audit.ActionLoginFailed, UserID: row.UserID})
				return nil, err
			}
			metrics.RecordOtp("verify_recovery", "ok")

		default:
			env := security.Envelope{
				SecretIndex: int(*row.OtpSecretIndex),
				Nonce:       row.OtpNonce,
				Ciphertext:  row.OtpCiphertext,
			}
			if err := a.otp.VerifyTOTP(email, env, otpCode); err != nil {
				metrics.RecordOtp("verify_totp", "failed")
				metrics.RecordLogin("failed")
				a.audit.Emit(ctx, audit.Event{Action: audit.ActionLoginFailed, UserID: row.UserID})
				return nil, err
			}
			metrics.RecordOtp("verify_totp", "ok")
		}
	}

	start := time.Now()
	ok, err := a.hasher.Verify(ctx, []byte(password), row.SecretIndex, row.Password)
	metrics.ObservePasswordHash(time.Since(start))
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if !ok {
		metrics.RecordLogin("failed")
		a.audit.Emit(ctx, audit.Event{Action: audit.ActionLoginFailed, UserID: row.UserID})
		return nil, apierror.FailedLogin()
	}

	if a.hasher.NeedsRehash(row.Password) {
		a.rehash(ctx, row.UserID, password)
	}

	scopes := a.scopesFor(email, row.Mod)

	// Single use: the recovery code is consumed only once everything else
	// has succeeded.
	if consumeRecovery != nil {
		if err := consumeRecovery(ctx); err != nil {
			return nil, apierror.Internal(err)
		}
	}

	issued, err := a.codec.Issue(ctx, row.UserID, token.Claims{
		token.ClaimScope:       ScopeStrings(scopes),
		token.ClaimIP:          req.IP,
		token.ClaimFingerprint: req.Fingerprint,
		token.ClaimEmail:       email,
	}, 0)
	if err != nil {
		return nil, err
	}

	metrics.RecordLogin("success")
	metrics.RecordTokenIssued("login")
	a.audit.Emit(ctx, audit.Event{Action: audit.ActionLogin, UserID: row.UserID})

	return &LoginResult{
		UserID: row.UserID,
		Handle: row.Handle,
		Name:   row.Name,
		Mod:    row.Mod,
		Token:  issued,
	}, nil
}

func (a *Authenticator) scopesFor(email string, mod bool) []Scope {
	if _, ok := adminDomains[EmailDomain(email)]; ok {
		return ScopeAdmin.AllIncludedScopes()
	}
	if mod {
		return ScopeMod.AllIncludedScopes()
	}
	return []Scope{ScopeUser}
}

// rehash upgrades a stored hash to current policy. Failures are logged and
// dropped; the login already succeeded and concurrent upgrades are
// last-write-wins.
func (a *Authenticator) rehash(ctx context.Context, userID int64, password string) {
	encoded, index, err := a.hasher.Hash(ctx, []byte(password))
	if err != nil {
		a.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to rehash password")
		return
	}
	if err := a.store.UpdatePassword(ctx, userID, encoded, index); err != nil {
		a.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to store rehashed password")
	}
}

// CreateUser inserts the account and its login row and issues a first
// session token.
func (a *Authenticator) CreateUser(ctx context.Context, name, handle, email, password string, req RequestContext) (*LoginResult, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	encoded, index, err := a.hasher.Hash(ctx, []byte(password))
	if err != nil {
		return nil, apierror.Internal(err)
	}

	userID, err := a.store.CreateUser(ctx, postgres.CreateUserParams{
		Handle:      handle,
		DisplayName: name,
		EmailHash:   a.secrets.HashEmail(email),
		Password:    encoded,
		SecretIndex: index,
	})
	if err != nil {
		return nil, err
	}

	issued, err := a.codec.Issue(ctx, userID, token.Claims{
		token.ClaimScope:       ScopeStrings([]Scope{ScopeUser}),
		token.ClaimIP:          req.IP,
		token.ClaimFingerprint: req.Fingerprint,
		token.ClaimEmail:       email,
	}, 0)
	if err != nil {
		return nil, err
	}

	metrics.RecordTokenIssued("login")
	a.audit.Emit(ctx, audit.Event{Action: audit.ActionAccountCreated, UserID: userID})

	return &LoginResult{UserID: userID, Handle: handle, Name: name, Token: issued}, nil
}

// ChangePassword verifies the current password and stores a new hash.
func (a *Authenticator) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	row, err := a.store.GetLoginByEmailHash(ctx, a.secrets.HashEmail(email))
	if err != nil {
		if err == postgres.ErrNotFound {
			return apierror.FailedLogin()
		}
		return apierror.Internal(err)
	}

	ok, err := a.hasher.Verify(ctx, []byte(oldPassword), row.SecretIndex, row.Password)
	if err != nil {
		return apierror.Internal(err)
	}
	if !ok {
		return apierror.FailedLogin()
	}

	encoded, index, err := a.hasher.Hash(ctx, []byte(newPassword))
	if err != nil {
		return apierror.Internal(err)
	}
	if err := a.store.UpdatePassword(ctx, row.UserID, encoded, index); err != nil {
		return apierror.Internal(err)
	}

	a.audit.Emit(ctx, audit.Event{Action: audit.ActionPasswordChanged, UserID: row.UserID})
	return nil
}

// SetPassword stores a new hash without checking the old one. Reserved for
// the token-gated recovery flow, which has already proven mailbox control.
func (a *Authenticator) SetPassword(ctx context.Context, email, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	row, err := a.store.GetLoginByEmailHash(ctx, a.secrets.HashEmail(email))
	if err != nil {
		if err == postgres.ErrNotFound {
			return apierror.FailedLogin()
		}
		return apierror.Internal(err)
	}

	encoded, index, err := a.hasher.Hash(ctx, []byte(newPassword))
	if err != nil {
		return apierror.Internal(err)
	}
	if err := a.store.UpdatePassword(ctx, row.UserID, encoded, index); err != nil {
		return apierror.Internal(err)
	}

	a.audit.Emit(ctx, audit.Event{Action: audit.ActionPasswordChanged, UserID: row.UserID})
	return nil
}

// CreateBot mints a bot credential. userID is nil for internal bots, which
// belong to the service rather than a user; a user holds at most one bot
// credential, replaced on re-create.
func (a *Authenticator) CreateBot(ctx context.Context, userID *int64, createdBy int64, botType string) (string, error) {
	password := make([]byte, botPasswordLen)
	if _, err := rand.Read(password); err != nil {
		return "", apierror.Internal(fmt.Errorf("generate bot password: %w", err))
	}

	encoded, index, err := a.hasher.Hash(ctx, password)
	if err != nil {
		return "", apierror.Internal(err)
	}

	botID, err := a.store.UpsertBotLogin(ctx, postgres.UpsertBotLoginParams{
		UserID:      userID,
		Password:    encoded,
		SecretIndex: index,
		BotType:     botType,
		CreatedBy:   createdBy,
	})
	if err != nil {
		return "", apierror.Internal(err)
	}

	credUserID := int64(-1)
	if userID != nil {
		credUserID = *userID
	}
	framed, err := schema.FrameBotCredentials(ctx, a.schemas, schema.BotCredentials{
		BotID:       botID,
		UserID:      credUserID,
		Password:    password,
		SecretIndex: index,
	})
	if err != nil {
		return "", apierror.Internal(err)
	}

	a.audit.Emit(ctx, audit.Event{
		Action: audit.ActionBotCreated,
		UserID: createdBy,
		Metadata: map[string]string{
			"bot_type": botType,
			"bot_id":   fmt.Sprintf("%d", botID),
		},
	})
	return framed, nil
}

// BotLogin authenticates a framed bot credential and issues a bot or
// internal session token.
func (a *Authenticator) BotLogin(ctx context.Context, framed string, req RequestContext) (*LoginResult, error) {
	creds, err := schema.UnframeBotCredentials(ctx, a.schemas, framed)
	if err != nil {
		return nil, apierror.BadRequest("Invalid bot token.")
	}

	row, err := a.store.GetBotLogin(ctx, creds.BotID)
	if err != nil {
		if err == postgres.ErrNotFound {
			return nil, apierror.FailedLogin()
		}
		return nil, apierror.Internal(err)
	}

	rowUserID := int64(-1)
	if row.UserID != nil {
		rowUserID = *row.UserID
	}
	if creds.UserID != rowUserID {
		return nil, apierror.FailedLogin()
	}

	ok, err := a.hasher.Verify(ctx, creds.Password, row.SecretIndex, row.Password)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if !ok {
		metrics.RecordLogin("failed")
		return nil, apierror.FailedLogin()
	}

	if a.hasher.NeedsRehash(row.Password) {
		encoded, index, err := a.hasher.Hash(ctx, creds.Password)
		if err == nil {
			if err := a.store.UpdateBotPassword(ctx, row.BotID, encoded, index); err != nil {
				a.logger.Error().Err(err).Int64("bot_id", row.BotID).Msg("failed to store rehashed bot password")
			}
		}
	}

	scope := ScopeBot
	if row.BotType == postgres.BotTypeInternal {
		scope = ScopeInternal
	}

	tokenUserID := int64(0)
	if row.UserID != nil {
		tokenUserID = *row.UserID
	}
	issued, err := a.codec.Issue(ctx, tokenUserID, token.Claims{
		token.ClaimScope:       ScopeStrings([]Scope{scope}),
		token.ClaimIP:          req.IP,
		token.ClaimFingerprint: req.Fingerprint,
	}, 0)
	if err != nil {
		return nil, err
	}

	metrics.RecordLogin("success")
	metrics.RecordTokenIssued("bot")
	return &LoginResult{UserID: tokenUserID, Token: issued}, nil
}

// IssuePurposeToken mints a short-TTL token bound to a one-shot flow. The
// claims' "key" entry discriminates the purpose; user id 0 marks the token
// as belonging to no session.
func (a *Authenticator) IssuePurposeToken(ctx context.Context, claims token.Claims, ttl time.Duration) (*token.IssuedToken, error) {
	if ttl <= 0 {
		ttl = PurposeTokenTTL
	}
	issued, err := a.codec.Issue(ctx, 0, claims, ttl)
	if err != nil {
		return nil, err
	}
	metrics.RecordTokenIssued("purpose")
	return issued, nil
}

// Codec exposes the token codec for the gate and logout paths.
func (a *Authenticator) Codec() *token.Codec { return a.codec }

// Otp exposes the OTP store for the enrollment and removal flows.
func (a *Authenticator) Otp() *security.OtpStore { return a.otp }

// Secrets exposes the secret store.
func (a *Authenticator) Secrets() *secrets.Store { return a.secrets }

// loginRow fetches the joined login row for an email, mapping a missing row
// onto FailedLogin.
func (a *Authenticator) loginRow(ctx context.Context, email string) (postgres.LoginRow, error) {
	if err := ValidateEmail(email); err != nil {
		return postgres.LoginRow{}, err
	}
	row, err := a.store.GetLoginByEmailHash(ctx, a.secrets.HashEmail(email))
	if err != nil {
		if err == postgres.ErrNotFound {
			return row, apierror.FailedLogin()
		}
		return row, apierror.Internal(err)
	}
	return row, nil
}

// Tags inserts the per-user system tags created at account finalization.
func (a *Authenticator) Tags(ctx context.Context, handle string, ownerID int64) error {
	return a.store.InsertSystemTags(ctx, handle, ownerID)
}

// Audit exposes the audit emitter for the flows built on the authenticator.
func (a *Authenticator) Audit() audit.Emitter { return a.audit }

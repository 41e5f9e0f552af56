package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/audit"
	"github.com/kheina-com/backend-sub000/internal/mailer"
	"github.com/kheina-com/backend-sub000/internal/metrics"
	"github.com/kheina-com/backend-sub000/internal/security"
	"github.com/kheina-com/backend-sub000/internal/token"
)

// mailTimeout bounds one asynchronous mail delivery, retries included.
const mailTimeout = 5 * time.Minute

// AccountFlow implements the email-gated flows: account creation, password
// recovery, and OTP add/remove. Each flow mints a short-TTL purpose token,
// mails it, and verifies it on the way back in.
type AccountFlow struct {
	auth        *Authenticator
	mail        mailer.Mailer
	frontendURL string
	logger      zerolog.Logger
}

// NewAccountFlow constructs an AccountFlow.
func NewAccountFlow(auth *Authenticator, mail mailer.Mailer, frontendURL string, logger zerolog.Logger) *AccountFlow {
	return &AccountFlow{
		auth:        auth,
		mail:        mail,
		frontendURL: frontendURL,
		logger:      logger.With().Str("component", "account-flow").Logger(),
	}
}

// sendAsync delivers mail off the request path. The request context is not
// reused: it dies with the response, and the mail must not.
func (f *AccountFlow) sendAsync(msg mailer.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()
		if err := f.mail.Send(ctx, msg); err != nil {
			f.logger.Error().Err(err).Str("to", msg.To).Msg("failed to send account mail")
		}
	}()
}

// decodePurpose verifies a purpose token and checks its discriminator.
func (f *AccountFlow) decodePurpose(ctx context.Context, raw, purpose string) (*token.AuthToken, error) {
	tok, err := f.auth.Codec().Decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	if tok.Claims.Key() != purpose {
		return nil, apierror.Unauthorized("This token is not valid for this operation.")
	}
	return tok, nil
}

// CreateAccount starts account creation by mailing a finalize link.
func (f *AccountFlow) CreateAccount(ctx context.Context, email, name string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}

	issued, err := f.auth.IssuePurposeToken(ctx, token.Claims{
		token.ClaimKey:   token.PurposeCreateAccount,
		token.ClaimName:  name,
		token.ClaimEmail: email,
	}, PurposeTokenTTL)
	if err != nil {
		return err
	}

	f.sendAsync(mailer.Message{
		To:      email,
		Subject: "Finish creating your account",
		Title:   "Welcome!",
		Text:    "Finish creating your account by following the link below. The link expires in 15 minutes.",
		Button: &mailer.Button{
			Text: "Create my account",
			Link: f.frontendURL + "/account/finalize?token=" + issued.Token,
		},
		Subtext: "If you did not request this account, you can safely ignore this email.",
	})
	return nil
}

// FinalizeAccount completes creation: the token proves mailbox control and
// carries the address, so the caller never re-submits the email.
func (f *AccountFlow) FinalizeAccount(ctx context.Context, name, handle, password, rawToken string, req RequestContext) (*LoginResult, error) {
	tok, err := f.decodePurpose(ctx, rawToken, token.PurposeCreateAccount)
	if err != nil {
		return nil, err
	}
	email := tok.Claims.Email()
	if email == "" {
		return nil, apierror.Unauthorized("This token is not valid for this operation.")
	}
	if name == "" {
		name = tok.Claims.Name()
	}

	result, err := f.auth.CreateUser(ctx, name, handle, email, password, req)
	if err != nil {
		return nil, err
	}

	// One-shot: the create token dies with the account it created.
	if err := f.auth.Codec().Revoke(ctx, tok); err != nil {
		f.logger.Error().Err(err).Msg("failed to revoke create-account token")
	}

	if err := f.auth.Tags(ctx, handle, result.UserID); err != nil {
		f.logger.Error().Err(err).Str("handle", handle).Msg("failed to insert system tags")
	}
	return result, nil
}

// RecoverPassword mails a reset link. Unknown addresses are indistinguishable
// from known ones: the token is minted either way and only the mail differs.
func (f *AccountFlow) RecoverPassword(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}

	issued, err := f.auth.IssuePurposeToken(ctx, token.Claims{
		token.ClaimKey:   token.PurposeRecoverAccount,
		token.ClaimEmail: email,
	}, PurposeTokenTTL)
	if err != nil {
		return err
	}

	f.sendAsync(mailer.Message{
		To:      email,
		Subject: "Reset your password",
		Title:   "Password reset",
		Text:    "Follow the link below to reset your password. The link expires in 15 minutes.",
		Button: &mailer.Button{
			Text: "Reset password",
			Link: f.frontendURL + "/account/recover?token=" + issued.Token,
		},
		Subtext: "If you did not request a password reset, you can safely ignore this email.",
	})
	return nil
}

// ResetPassword completes recovery with the mailed token.
func (f *AccountFlow) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	tok, err := f.decodePurpose(ctx, rawToken, token.PurposeRecoverAccount)
	if err != nil {
		return err
	}
	email := tok.Claims.Email()
	if email == "" {
		return apierror.Unauthorized("This token is not valid for this operation.")
	}

	if err := f.auth.SetPassword(ctx, email, newPassword); err != nil {
		return err
	}
	if err := f.auth.Codec().Revoke(ctx, tok); err != nil {
		f.logger.Error().Err(err).Msg("failed to revoke recover-account token")
	}
	return nil
}

// OtpEnrollment is the material returned when starting OTP enrollment. The
// secret lives only inside the purpose token until the user proves capture.
type OtpEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	Token           string `json:"token"`
}

// StartOtpEnrollment mints a TOTP secret and the purpose token that carries
// it through to finalization.
func (f *AccountFlow) StartOtpEnrollment(ctx context.Context, email string) (*OtpEnrollment, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	secret, uri, err := security.GenerateTOTPSecret("fuzz.ly", email)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	issued, err := f.auth.IssuePurposeToken(ctx, token.Claims{
		token.ClaimKey:       token.PurposeOtp,
		token.ClaimEmail:     email,
		token.ClaimOtpSecret: secret,
	}, PurposeTokenTTL)
	if err != nil {
		return nil, err
	}

	return &OtpEnrollment{Secret: secret, ProvisioningURI: uri, Token: issued.Token}, nil
}

// FinalizeOtpEnrollment enrolls the user with the secret carried by the
// purpose token and returns the 16 single-use recovery codes, exactly once.
func (f *AccountFlow) FinalizeOtpEnrollment(ctx context.Context, userID int64, rawToken, otpCode string) ([]string, error) {
	tok, err := f.decodePurpose(ctx, rawToken, token.PurposeOtp)
	if err != nil {
		return nil, err
	}
	email := tok.Claims.Email()
	secret := tok.Claims.OtpSecret()
	if email == "" || secret == "" {
		return nil, apierror.Unauthorized("This token is not valid for this operation.")
	}

	codes, err := f.auth.Otp().Add(ctx, userID, email, secret, otpCode)
	if err != nil {
		metrics.RecordOtp("enroll", "failed")
		return nil, err
	}

	if err := f.auth.Codec().Revoke(ctx, tok); err != nil {
		f.logger.Error().Err(err).Msg("failed to revoke otp token")
	}

	metrics.RecordOtp("enroll", "ok")
	f.auth.Audit().Emit(ctx, audit.Event{Action: audit.ActionOtpEnrolled, UserID: userID})
	return codes, nil
}

// RequestRemoveOtp mails a remove-otp link for users locked out of their
// authenticator.
func (f *AccountFlow) RequestRemoveOtp(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}

	issued, err := f.auth.IssuePurposeToken(ctx, token.Claims{
		token.ClaimKey:   token.PurposeRemoveOtp,
		token.ClaimEmail: email,
	}, PurposeTokenTTL)
	if err != nil {
		return err
	}

	f.sendAsync(mailer.Message{
		To:      email,
		Subject: "Remove two-factor authentication",
		Title:   "Remove OTP",
		Text:    "Follow the link below to remove two-factor authentication from your account. The link expires in 15 minutes.",
		Button: &mailer.Button{
			Text: "Remove OTP",
			Link: f.frontendURL + "/account/remove_otp?token=" + issued.Token,
		},
		Subtext: "If you did not request this, change your password immediately.",
	})
	return nil
}

// RemoveOtp deletes an OTP enrollment. Authorization is either a current
// TOTP/recovery code on an authenticated session, or a mailed remove-otp
// purpose token; exactly one must be supplied.
func (f *AccountFlow) RemoveOtp(ctx context.Context, userID int64, email, otpCode, rawToken string) error {
	switch {
	case rawToken != "":
		tok, err := f.decodePurpose(ctx, rawToken, token.PurposeRemoveOtp)
		if err != nil {
			return err
		}
		tokenEmail := tok.Claims.Email()
		if tokenEmail == "" {
			return apierror.Unauthorized("This token is not valid for this operation.")
		}
		email = tokenEmail
		defer func() {
			if err := f.auth.Codec().Revoke(ctx, tok); err != nil {
				f.logger.Error().Err(err).Msg("failed to revoke remove-otp token")
			}
		}()

	case otpCode != "":
		row, err := f.auth.loginRow(ctx, email)
		if err != nil {
			return err
		}
		if !row.OtpEnrolled() {
			return apierror.BadRequest("no OTP key is enrolled for this account.")
		}
		userID = row.UserID
		if len(otpCode) == 6 {
			env := security.Envelope{
				SecretIndex: int(*row.OtpSecretIndex),
				Nonce:       row.OtpNonce,
				Ciphertext:  row.OtpCiphertext,
			}
			if err := f.auth.Otp().VerifyTOTP(email, env, otpCode); err != nil {
				return err
			}
		} else {
			consume, err := f.auth.Otp().VerifyRecovery(ctx, userID, otpCode)
			if err != nil {
				return err
			}
			if err := consume(ctx); err != nil {
				return apierror.Internal(err)
			}
		}

	default:
		return apierror.BadRequest("either an OTP code or a removal token is required.")
	}

	if userID == 0 {
		row, err := f.auth.loginRow(ctx, email)
		if err != nil {
			return err
		}
		userID = row.UserID
	}

	if err := f.auth.Otp().Remove(ctx, userID); err != nil {
		metrics.RecordOtp("remove", "failed")
		return apierror.Internal(err)
	}

	metrics.RecordOtp("remove", "ok")
	f.auth.Audit().Emit(ctx, audit.Event{Action: audit.ActionOtpRemoved, UserID: userID})
	return nil
}

package token

// Claims is the freeform JSON claim payload carried by every token. The wire
// form stays schemaless for forward compatibility; the accessors below cover
// the reserved keys.
type Claims map[string]any

// Reserved claim keys.
const (
	ClaimScope       = "scope"
	ClaimFingerprint = "fp"
	ClaimEmail       = "email"
	ClaimKey         = "key"
	ClaimIP          = "ip"
	ClaimOtpSecret   = "otp_secret"
	ClaimName        = "name"
)

// Purpose-token discriminators carried in the "key" claim.
const (
	PurposeCreateAccount  = "create-account"
	PurposeRecoverAccount = "recover-account"
	PurposeOtp            = "otp"
	PurposeRemoveOtp      = "remove-otp"
)

// Scopes returns the "scope" claim as a string slice. JSON round-trips
// produce []any, so both representations are accepted.
func (c Claims) Scopes() []string {
	switch v := c[ClaimScope].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (c Claims) str(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Fingerprint returns the opaque browser fingerprint claim.
func (c Claims) Fingerprint() string { return c.str(ClaimFingerprint) }

// Email returns the email claim carried by purpose tokens.
func (c Claims) Email() string { return c.str(ClaimEmail) }

// Key returns the purpose discriminator.
func (c Claims) Key() string { return c.str(ClaimKey) }

// Name returns the display name carried by create-account tokens.
func (c Claims) Name() string { return c.str(ClaimName) }

// OtpSecret returns the TOTP secret carried during OTP enrollment.
func (c Claims) OtpSecret() string { return c.str(ClaimOtpSecret) }

// Get is the escape hatch for unknown keys.
func (c Claims) Get(key string) (any, bool) {
	v, ok := c[key]
	return v, ok
}

package postgres

import "time"

// Bot login types.
const (
	BotTypeBot      = "bot"
	BotTypeInternal = "internal"
)

// Ban types.
const (
	BanTypeUser = "user"
	BanTypeIP   = "ip"
)

// LoginRow is the joined row fetched once per login attempt: user_login,
// the user record, and the OTP enrollment when one exists.
type LoginRow struct {
	UserID      int64
	Password    string
	SecretIndex int
	Handle      string
	Name        string
	Mod         bool

	// OTP columns are nil when the user has no enrollment.
	OtpSecretIndex *int16
	OtpNonce       []byte
	OtpCiphertext  []byte
}

// OtpEnrolled reports whether the row carries an OTP enrollment.
func (r LoginRow) OtpEnrolled() bool {
	return r.OtpSecretIndex != nil
}

// CreateUserParams inserts a user and its login row in one transaction.
type CreateUserParams struct {
	Handle      string
	DisplayName string
	EmailHash   []byte
	Password    string
	SecretIndex int
}

// BotLoginRow is a stored bot credential.
type BotLoginRow struct {
	BotID       int64
	UserID      *int64
	Password    string
	SecretIndex int
	BotType     string
	CreatedBy   int64
}

// UpsertBotLoginParams creates or replaces a bot credential. A user may hold
// at most one bot login; upserting replaces it.
type UpsertBotLoginParams struct {
	UserID      *int64
	Password    string
	SecretIndex int
	BotType     string
	CreatedBy   int64
}

// Ban is a moderation ban. Active iff Completed is in the future.
type Ban struct {
	BanID     int64
	BanType   string
	UserID    int64
	Created   time.Time
	Completed time.Time
	Reason    string
}

// CreateBanParams inserts a ban row.
type CreateBanParams struct {
	BanType   string
	UserID    int64
	Completed time.Time
	Reason    string
}

package auth

import (
	"regexp"
	"strings"

	"github.com/kheina-com/backend-sub000/internal/apierror"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 10

var (
	emailRe  = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)
	handleRe = regexp.MustCompile(`^[a-zA-Z0-9_]{5,}$`)
)

// ValidateEmail checks the address shape used across login and account flows.
func ValidateEmail(email string) error {
	if !emailRe.MatchString(email) {
		return apierror.BadRequest("email is not a valid email address.")
	}
	return nil
}

// ValidatePassword enforces the minimum length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return apierror.BadRequest("password must be at least 10 characters.")
	}
	return nil
}

// ValidateHandle checks the account handle shape.
func ValidateHandle(handle string) error {
	if !handleRe.MatchString(handle) {
		return apierror.BadRequest("handle must be at least 5 characters of letters, numbers, and underscores.")
	}
	return nil
}

// EmailDomain returns the lowercased domain part of an address, empty when
// malformed.
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

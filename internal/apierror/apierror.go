// Package apierror defines the typed error taxonomy shared by every public
// operation in the service, plus the single place where error kinds map to
// HTTP status codes.
//
// Purpose:
//
//	Public operations return *apierror.Error directly; anything else that
//	reaches the HTTP boundary is collapsed into an InternalServerError with a
//	fresh reference id, which is logged and returned to the caller so reports
//	can be correlated with server logs.
//
// Key Responsibilities:
//   - Error type carrying kind, message, and reference id
//   - Constructors for each kind in the taxonomy
//   - From coerces arbitrary errors into the taxonomy
//   - Write renders the wire schema {status, code, refid, error}
//
// Error Handling:
//   - FailedLogin deliberately carries one fixed message for wrong password,
//     wrong OTP, and unknown user to prevent account enumeration
//   - Validation errors render as {detail: [{loc, msg, type}]} for client
//     compatibility
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind discriminates error categories. The string form is the wire "code".
type Kind string

// The full taxonomy. Every public operation returns one of these.
const (
	KindBadRequest          Kind = "BadRequest"
	KindUnauthorized        Kind = "Unauthorized"
	KindFailedLogin         Kind = "FailedLogin"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindUnprocessable       Kind = "UnprocessableEntity"
	KindInternalServerError Kind = "InternalServerError"
	KindBadGateway          Kind = "BadGateway"
	KindServiceUnavailable  Kind = "ServiceUnavailable"
)

var kindStatus = map[Kind]int{
	KindBadRequest:          http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindFailedLogin:         http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindUnprocessable:       http.StatusUnprocessableEntity,
	KindInternalServerError: http.StatusInternalServerError,
	KindBadGateway:          http.StatusBadGateway,
	KindServiceUnavailable:  http.StatusServiceUnavailable,
}

// FailedLoginMessage is the single message for every credential failure.
const FailedLoginMessage = "Failed Login: login failed."

// ValidationDetail mirrors the client-compatible validation error element.
type ValidationDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// Error is the typed error returned by public operations.
type Error struct {
	Kind    Kind
	Message string
	RefID   uuid.UUID
	Detail  []ValidationDetail
	cause   error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is matches errors of the same kind, so callers can write
// errors.Is(err, apierror.New(apierror.KindUnauthorized, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// BadRequest flags malformed input.
func BadRequest(message string) *Error { return New(KindBadRequest, message) }

// Unauthorized flags a missing, invalid, expired, or revoked token.
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

// FailedLogin flags any credential failure with the shared message.
func FailedLogin() *Error { return New(KindFailedLogin, FailedLoginMessage) }

// Forbidden flags banned users/IPs and missing scopes.
func Forbidden(message string) *Error { return New(KindForbidden, message) }

// NotFound flags a missing resource, e.g. an unknown public key.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Conflict flags a unique-constraint violation.
func Conflict(message string) *Error { return New(KindConflict, message) }

// Unprocessable flags semantically invalid input, e.g. a missing OTP
// when one is enrolled.
func Unprocessable(message string) *Error { return New(KindUnprocessable, message) }

// Validation builds an UnprocessableEntity carrying structured details.
func Validation(details ...ValidationDetail) *Error {
	return &Error{Kind: KindUnprocessable, Message: "validation failed", Detail: details}
}

// Internal wraps an unexpected error with a fresh reference id.
func Internal(cause error) *Error {
	return &Error{
		Kind:    KindInternalServerError,
		Message: "an internal server error occurred.",
		RefID:   uuid.New(),
		cause:   cause,
	}
}

// From coerces any error into the taxonomy. Typed errors pass through;
// everything else becomes an InternalServerError with a fresh refid.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return Internal(err)
}

type wireError struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	RefID  string `json:"refid,omitempty"`
	Error  string `json:"error"`
}

type wireValidation struct {
	Detail []ValidationDetail `json:"detail"`
}

// Write renders err on w using the shared wire schema. Internal errors log
// the underlying cause next to the refid; typed errors log at debug only.
func Write(w http.ResponseWriter, logger zerolog.Logger, err error) {
	e := From(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())

	if len(e.Detail) > 0 {
		_ = json.NewEncoder(w).Encode(wireValidation{Detail: e.Detail})
		return
	}

	if e.Kind == KindInternalServerError {
		logger.Error().
			Err(e.cause).
			Str("refid", e.RefID.String()).
			Msg("internal server error")
	} else {
		logger.Debug().
			Str("code", string(e.Kind)).
			Str("error", e.Message).
			Msg("request failed")
	}

	var refid string
	if e.RefID != uuid.Nil {
		refid = e.RefID.String()
	}
	_ = json.NewEncoder(w).Encode(wireError{
		Status: e.Status(),
		Code:   string(e.Kind),
		RefID:  refid,
		Error:  e.Message,
	})
}

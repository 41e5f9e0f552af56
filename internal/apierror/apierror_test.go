package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{BadRequest("x"), http.StatusBadRequest},
		{Unauthorized("x"), http.StatusUnauthorized},
		{FailedLogin(), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{Unprocessable("x"), http.StatusUnprocessableEntity},
		{Internal(errors.New("x")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, c.err.Status(), string(c.err.Kind))
	}

	// Unknown kinds fail closed.
	assert.Equal(t, http.StatusInternalServerError, New(Kind("Bogus"), "x").Status())
}

func TestFailedLoginMessage(t *testing.T) {
	assert.Equal(t, FailedLoginMessage, FailedLogin().Message)
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	typed := NotFound("missing")
	assert.Same(t, typed, From(typed))

	// Typed errors survive wrapping.
	wrapped := fmt.Errorf("lookup: %w", typed)
	assert.Same(t, typed, From(wrapped))

	coerced := From(errors.New("boom"))
	assert.Equal(t, KindInternalServerError, coerced.Kind)
	assert.NotEqual(t, uuid.Nil, coerced.RefID)
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Unauthorized("This token has expired."))
	assert.True(t, errors.Is(err, New(KindUnauthorized, "")))
	assert.False(t, errors.Is(err, New(KindForbidden, "")))
}

func TestWriteWireSchema(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, zerolog.Nop(), Forbidden("User is not authorized to access this resource."))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status int    `json:"status"`
		Code   string `json:"code"`
		RefID  string `json:"refid"`
		Error  string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusForbidden, body.Status)
	assert.Equal(t, "Forbidden", body.Code)
	assert.Empty(t, body.RefID)
	assert.Equal(t, "User is not authorized to access this resource.", body.Error)
}

func TestWriteInternalCarriesRefID(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, zerolog.Nop(), errors.New("pg: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "InternalServerError", body["code"])
	assert.NotEmpty(t, body["refid"])
	// The cause never leaks to the caller.
	assert.Equal(t, "an internal server error occurred.", body["error"])
}

func TestWriteValidationDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, zerolog.Nop(), Validation(ValidationDetail{
		Loc:  []string{"body", "email"},
		Msg:  "value is not a valid email address",
		Type: "value_error.email",
	}))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Detail []ValidationDetail `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Detail, 1)
	assert.Equal(t, []string{"body", "email"}, body.Detail[0].Loc)
}

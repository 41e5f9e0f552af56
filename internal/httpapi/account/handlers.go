// Package account exposes the /v1/account HTTP surface: login, logout,
// account creation and recovery, password changes, bot credentials, and OTP
// management.
//
// Purpose:
//
//	Handlers stay thin: decode JSON, call the authenticator or account flow,
//	render the result. All policy (credential checks, scope assignment, OTP
//	rules) lives below this package.
//
// Error Handling:
//   - Every error funnels through apierror.Write, so the wire schema and
//     status mapping are uniform across routes
package account

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/audit"
	"github.com/kheina-com/backend-sub000/internal/auth"
	"github.com/kheina-com/backend-sub000/internal/httpapi/middleware"
	"github.com/kheina-com/backend-sub000/internal/token"
)

// Handler serves the account routes.
type Handler struct {
	auth   *auth.Authenticator
	flow   *auth.AccountFlow
	local  bool
	logger zerolog.Logger
}

// NewHandler constructs the account handler. local disables the Secure and
// HttpOnly cookie flags for development against plain HTTP.
func NewHandler(authenticator *auth.Authenticator, flow *auth.AccountFlow, local bool, logger zerolog.Logger) *Handler {
	return &Handler{
		auth:   authenticator,
		flow:   flow,
		local:  local,
		logger: logger.With().Str("component", "account").Logger(),
	}
}

// Routes mounts the account surface on a chi router.
func (h *Handler) Routes(requireUser, requireAdmin func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Post("/create", h.Create)
	r.Post("/finalize", h.Finalize)
	r.Post("/bot_login", h.BotLogin)
	r.Post("/recovery", h.Recovery)
	r.Post("/reset_password", h.ResetPassword)
	r.Post("/remove_otp_request", h.RemoveOtpRequest)
	r.Post("/remove_otp", h.RemoveOtp)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/change_password", h.ChangePassword)
		r.Get("/bot_create", h.BotCreate)
		r.Get("/otp", h.OtpStart)
		r.Post("/otp", h.OtpFinalize)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)
		r.Get("/bot_internal", h.BotInternal)
	})

	return r
}

// TokenResponse is the wire form of an issued token.
type TokenResponse struct {
	Version   string    `json:"version"`
	Algorithm string    `json:"algorithm"`
	KeyID     int64     `json:"key_id"`
	Issued    time.Time `json:"issued"`
	Expires   time.Time `json:"expires"`
	Token     string    `json:"token"`
}

// LoginResponse is returned by login, finalize, and bot_login.
type LoginResponse struct {
	UserID int64         `json:"user_id"`
	Handle string        `json:"handle"`
	Name   string        `json:"name"`
	Mod    bool          `json:"mod"`
	Token  TokenResponse `json:"token"`
}

// BotCreateResponse carries a freshly minted bot credential.
type BotCreateResponse struct {
	Token string `json:"token"`
}

func toTokenResponse(t *token.IssuedToken) TokenResponse {
	return TokenResponse{
		Version:   t.Version,
		Algorithm: t.Algorithm,
		KeyID:     t.KeyID,
		Issued:    t.Issued,
		Expires:   t.Expires,
		Token:     t.Token,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apierror.BadRequest("request body is not valid JSON.")
	}
	return nil
}

// setAuthCookie attaches the session cookie. Expiry tracks the token's own.
func (h *Handler) setAuthCookie(w http.ResponseWriter, t *token.IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookie,
		Value:    t.Token,
		Path:     "/",
		Expires:  t.Expires,
		SameSite: http.SameSiteStrictMode,
		Secure:   !h.local,
		HttpOnly: !h.local,
	})
}

func (h *Handler) clearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
		Secure:   !h.local,
		HttpOnly: !h.local,
	})
}

func requestContext(r *http.Request) auth.RequestContext {
	return auth.RequestContext{
		IP:          middleware.ClientIP(r),
		Fingerprint: r.Header.Get("kh-fingerprint"),
	}
}

// Login handles POST /v1/account/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Otp      string `json:"otp"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	result, err := h.auth.Login(r.Context(), body.Email, body.Password, body.Otp, requestContext(r))
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	h.setAuthCookie(w, result.Token)
	h.writeJSON(w, http.StatusOK, LoginResponse{
		UserID: result.UserID,
		Handle: result.Handle,
		Name:   result.Name,
		Mod:    result.Mod,
		Token:  toTokenResponse(result.Token),
	})
}

// Logout handles POST /v1/account/logout. Revokes the presented token and
// clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.auth.Codec().Revoke(r.Context(), id.Token); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	h.auth.Audit().Emit(r.Context(), audit.Event{Action: audit.ActionLogout, UserID: id.UserID})
	h.clearAuthCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Create handles POST /v1/account/create. Always 204; existence of the
// address is not disclosed.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.flow.CreateAccount(r.Context(), body.Email, body.Name); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Finalize handles POST /v1/account/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Handle   string `json:"handle"`
		Password string `json:"password"`
		Token    string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	result, err := h.flow.FinalizeAccount(r.Context(), body.Name, body.Handle, body.Password, body.Token, requestContext(r))
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	h.setAuthCookie(w, result.Token)
	h.writeJSON(w, http.StatusOK, LoginResponse{
		UserID: result.UserID,
		Handle: result.Handle,
		Name:   result.Name,
		Token:  toTokenResponse(result.Token),
	})
}

// ChangePassword handles POST /v1/account/change_password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), body.Email, body.Password, body.NewPassword); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Recovery handles POST /v1/account/recovery.
func (h *Handler) Recovery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.flow.RecoverPassword(r.Context(), body.Email); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetPassword handles POST /v1/account/reset_password.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.flow.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BotLogin handles POST /v1/account/bot_login.
func (h *Handler) BotLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	result, err := h.auth.BotLogin(r.Context(), body.Token, requestContext(r))
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LoginResponse{
		UserID: result.UserID,
		Token:  toTokenResponse(result.Token),
	})
}

// BotCreate handles GET /v1/account/bot_create.
func (h *Handler) BotCreate(w http.ResponseWriter, r *http.Request) {
	id, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	userID := id.UserID
	framed, err := h.auth.CreateBot(r.Context(), &userID, id.UserID, auth.BotTypeBot)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BotCreateResponse{Token: framed})
}

// BotInternal handles GET /v1/account/bot_internal. Internal bots belong to
// the service, not the caller.
func (h *Handler) BotInternal(w http.ResponseWriter, r *http.Request) {
	id, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	framed, err := h.auth.CreateBot(r.Context(), nil, id.UserID, auth.BotTypeInternal)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BotCreateResponse{Token: framed})
}

// OtpStart handles GET /v1/account/otp.
func (h *Handler) OtpStart(w http.ResponseWriter, r *http.Request) {
	id, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	email := id.Token.Claims.Email()
	if email == "" {
		apierror.Write(w, h.logger, apierror.BadRequest("session token carries no email; log in again."))
		return
	}

	enrollment, err := h.flow.StartOtpEnrollment(r.Context(), email)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, enrollment)
}

// OtpFinalize handles POST /v1/account/otp. Returns the recovery codes,
// exactly once.
func (h *Handler) OtpFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	var body struct {
		Token   string `json:"token"`
		OtpCode string `json:"otp_code"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	codes, err := h.flow.FinalizeOtpEnrollment(r.Context(), id.UserID, body.Token, body.OtpCode)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"recovery_keys": codes})
}

// RemoveOtpRequest handles POST /v1/account/remove_otp_request.
func (h *Handler) RemoveOtpRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	if err := h.flow.RequestRemoveOtp(r.Context(), body.Email); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveOtp handles POST /v1/account/remove_otp.
func (h *Handler) RemoveOtp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Otp   string `json:"otp"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	var userID int64
	if id := auth.IdentityFrom(r.Context()); id.Authenticated() {
		userID = id.UserID
		if body.Email == "" {
			body.Email = id.Token.Claims.Email()
		}
	}

	if err := h.flow.RemoveOtp(r.Context(), userID, body.Email, body.Otp, body.Token); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package middleware implements the request gate that fronts every route:
// token extraction and verification, IP and user ban enforcement, and
// identity population. The gate fails closed; a route only sees a request
// after the caller's standing has been established.
//
// Order of operations per request:
//  1. The OpenAPI document passes through unauthenticated
//  2. A request with no client address is rejected outright
//  3. IP bans are checked against both cf-connecting-ip and the connection
//     host before any token work
//  4. The bearer token (Authorization header or kh-auth cookie) is decoded
//     and verified; absence yields an anonymous identity
//  5. An active user ban either rejects the request (ip-type bans, which
//     also record the caller's address) or marks the identity banned with
//     default scope only
package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/auth"
	"github.com/kheina-com/backend-sub000/internal/bans"
	"github.com/kheina-com/backend-sub000/internal/metrics"
	"github.com/kheina-com/backend-sub000/internal/storage/postgres"
	"github.com/kheina-com/backend-sub000/internal/token"
)

// AuthCookie is the session cookie name.
const AuthCookie = "kh-auth"

// openAPIPath passes through the gate unauthenticated.
const openAPIPath = "/openapi.json"

// cfConnectingIP is the Cloudflare-provided client address header.
const cfConnectingIP = "cf-connecting-ip"

// AnonymousUserID marks an identity with no token.
const AnonymousUserID = -1

// Gate is the request gate middleware.
type Gate struct {
	codec  *token.Codec
	bans   *bans.Registry
	logger zerolog.Logger
}

// NewGate constructs a Gate.
func NewGate(codec *token.Codec, registry *bans.Registry, logger zerolog.Logger) *Gate {
	return &Gate{
		codec:  codec,
		bans:   registry,
		logger: logger.With().Str("component", "gate").Logger(),
	}
}

// extractToken pulls the raw bearer token from the Authorization header or
// the kh-auth cookie, stripping any scheme prefix.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if i := strings.IndexByte(header, ' '); i >= 0 {
			return strings.TrimSpace(header[i+1:])
		}
		return header
	}
	if cookie, err := r.Cookie(AuthCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// clientHost returns the connection's host portion, without port.
func clientHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIP returns the caller's address as seen by handlers: the Cloudflare
// header when present, the connection host otherwise.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get(cfConnectingIP); ip != "" {
		return ip
	}
	return clientHost(r)
}

// Handler wraps next with the gate.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == openAPIPath {
			next.ServeHTTP(w, r)
			return
		}

		host := clientHost(r)
		if host == "" {
			apierror.Write(w, g.logger, apierror.BadRequest("no client address on request."))
			return
		}

		ctx := r.Context()

		// Both addresses are checked: the proxy header names the real
		// client, the connection host catches direct callers.
		addrs := []string{host}
		if cf := r.Header.Get(cfConnectingIP); cf != "" && cf != host {
			addrs = append(addrs, cf)
		}
		for _, addr := range addrs {
			ban, err := g.bans.IPBan(ctx, addr)
			if err != nil {
				apierror.Write(w, g.logger, err)
				return
			}
			if ban != nil {
				metrics.RecordBanRejection(postgres.BanTypeIP)
				apierror.Write(w, g.logger, apierror.Forbidden("This IP has been banned: "+ban.Reason))
				return
			}
		}

		raw := extractToken(r)
		if raw == "" {
			id := &auth.Identity{UserID: AnonymousUserID, Scopes: []auth.Scope{auth.ScopeDefault}}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
			return
		}

		tok, err := g.codec.Decode(ctx, raw)
		if err != nil {
			metrics.RecordTokenDecode("invalid")
			apierror.Write(w, g.logger, err)
			return
		}
		metrics.RecordTokenDecode("ok")

		scopes := auth.ScopesFromStrings(tok.Claims.Scopes())
		if len(scopes) == 0 {
			scopes = []auth.Scope{auth.ScopeDefault}
		}

		id := &auth.Identity{UserID: tok.UserID, Token: tok, Scopes: scopes}

		ban, err := g.bans.UserBan(ctx, tok.UserID)
		if err != nil {
			apierror.Write(w, g.logger, err)
			return
		}
		if ban != nil && ban.Completed.After(time.Now()) {
			if ban.BanType == postgres.BanTypeIP {
				// An ip-type ban taints every address the user shows up
				// from; record it so the next request from this address is
				// rejected before any token work.
				g.bans.RecordIPBan(ctx, ClientIP(r), ban)
				metrics.RecordBanRejection(postgres.BanTypeIP)
				apierror.Write(w, g.logger, apierror.Forbidden("This account has been banned: "+ban.Reason))
				return
			}
			banned := true
			id.Banned = &banned
			id.Scopes = []auth.Scope{auth.ScopeDefault}
			metrics.RecordBanRejection(postgres.BanTypeUser)
		} else {
			banned := false
			id.Banned = &banned
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
	})
}

// RequireScopes rejects requests whose identity does not satisfy at least
// one of the required scopes.
func RequireScopes(logger zerolog.Logger, required ...auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.IdentityFrom(r.Context())
			if err := id.RequireScope(required...); err != nil {
				apierror.Write(w, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

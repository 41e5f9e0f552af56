package auth

import (
	"context"

	"github.com/kheina-com/backend-sub000/internal/apierror"
	"github.com/kheina-com/backend-sub000/internal/token"
)

type contextKey struct{}

// Identity is the per-request caller identity populated by the request gate.
// A zero Identity is an unauthenticated guest.
type Identity struct {
	UserID int64
	Token  *token.AuthToken
	Scopes []Scope

	// Banned is resolved lazily by the gate; nil means not yet checked.
	Banned *bool
}

// Authenticated reports whether the identity carries a verified token and is
// not banned. Verification happened at the gate when the identity was built;
// a revocation landing after that decode takes effect within the codec's
// decode-cache TTL, not mid-request.
func (id *Identity) Authenticated() bool {
	if id == nil || id.Token == nil {
		return false
	}
	return id.Banned == nil || !*id.Banned
}

// RequireScope checks the identity's granted scopes against required.
func (id *Identity) RequireScope(required ...Scope) error {
	if id == nil || !id.Authenticated() {
		return apierror.Unauthorized("User is not authenticated.")
	}
	return VerifyScope(id.Scopes, required...)
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the request identity. Returns a guest identity when
// the gate did not run or the caller presented no token.
func IdentityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(contextKey{}).(*Identity); ok && id != nil {
		return id
	}
	return &Identity{}
}

// RequireAuthenticated extracts the identity and fails unless it carries a
// verified token.
func RequireAuthenticated(ctx context.Context) (*Identity, error) {
	id := IdentityFrom(ctx)
	if !id.Authenticated() {
		return nil, apierror.Unauthorized("User is not authenticated.")
	}
	return id, nil
}

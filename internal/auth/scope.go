package auth

import "github.com/kheina-com/backend-sub000/internal/apierror"

// Scope is an authorization level carried in token claims.
type Scope string

// The full scope set. Default through Admin form a ladder; Bot and Internal
// are disjoint credential classes that never imply user scopes.
const (
	ScopeDefault  Scope = "default"
	ScopeUser     Scope = "user"
	ScopeMod      Scope = "mod"
	ScopeAdmin    Scope = "admin"
	ScopeBot      Scope = "bot"
	ScopeInternal Scope = "internal"
)

// ladder maps each ladder scope to everything it implies, itself included.
// Default is the anonymous tier and is not implied by the user ladder.
var ladder = map[Scope][]Scope{
	ScopeDefault:  {ScopeDefault},
	ScopeUser:     {ScopeUser},
	ScopeMod:      {ScopeMod, ScopeUser},
	ScopeAdmin:    {ScopeAdmin, ScopeMod, ScopeUser},
	ScopeBot:      {ScopeBot},
	ScopeInternal: {ScopeInternal},
}

// AllIncludedScopes expands s into every scope it implies.
func (s Scope) AllIncludedScopes() []Scope {
	if implied, ok := ladder[s]; ok {
		return implied
	}
	return []Scope{s}
}

// ExpandScopes flattens and de-duplicates the implied scope set of granted.
func ExpandScopes(granted []Scope) map[Scope]struct{} {
	out := make(map[Scope]struct{}, len(granted))
	for _, g := range granted {
		for _, s := range g.AllIncludedScopes() {
			out[s] = struct{}{}
		}
	}
	return out
}

// VerifyScope checks that granted satisfies at least one of required.
// Returns Unauthorized when nothing is granted, Forbidden otherwise.
func VerifyScope(granted []Scope, required ...Scope) error {
	if len(required) == 0 {
		return nil
	}
	if len(granted) == 0 {
		return apierror.Unauthorized("User is not authenticated.")
	}
	have := ExpandScopes(granted)
	for _, req := range required {
		if _, ok := have[req]; ok {
			return nil
		}
	}
	return apierror.Forbidden("User is not authorized to access this resource.")
}

// ScopeStrings converts scopes to their claim representation.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// ScopesFromStrings parses the claim representation back into scopes.
func ScopesFromStrings(values []string) []Scope {
	out := make([]Scope, len(values))
	for i, v := range values {
		out[i] = Scope(v)
	}
	return out
}

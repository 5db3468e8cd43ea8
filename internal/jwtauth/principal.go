package jwtauth

import (
	"context"
	"time"
)

// Principal is the authenticated subject derived from a validated inbound
// JWT. It lives for the duration of one request.
type Principal struct {
	// Subject is the sub claim.
	Subject string

	// Username is preferred_username when present, otherwise the subject.
	Username string

	// Roles holds the realm roles carried by the token.
	Roles map[string]struct{}

	// RawToken is the original compact JWT. It is needed verbatim as the
	// subject_token for downstream token exchange and must never be logged.
	RawToken string

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

// HasRole reports whether the principal carries the given realm role. An
// empty role requirement is always satisfied.
func (p *Principal) HasRole(role string) bool {
	if role == "" {
		return true
	}
	_, ok := p.Roles[role]
	return ok
}

// principalContextKey is the context key under which the middleware stores
// the authenticated principal for the request.
type principalContextKey struct{}

// ContextWithPrincipal returns a context carrying the principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal attached to the request
// context, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}

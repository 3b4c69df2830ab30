package interceptors

import (
	"context"

	"constellation/backend/internal/claims"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *claims.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal set by AuthUnary and true if present.
func PrincipalFrom(ctx context.Context) (*claims.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*claims.Principal)
	return p, ok && p != nil
}

// UserIDFrom returns the authenticated user id or "".
func UserIDFrom(ctx context.Context) string {
	if p, ok := PrincipalFrom(ctx); ok {
		return p.UserID
	}
	return ""
}

// Package auth provides the caller identity model and HS256 bearer tokens.
package auth

import "context"

// Principal is the authenticated caller. It is never mutated after verification.
type Principal struct {
	ID      string `json:"id"`
	IsAdmin bool   `json:"isAdmin"`
}

type principalContextKey struct{}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil for anonymous callers.
func PrincipalFrom(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if p, ok := ctx.Value(principalContextKey{}).(*Principal); ok {
		return p
	}
	return nil
}

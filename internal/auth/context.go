// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithClaims/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// claimsKey is the key type for storing Claims in context.Context.
type claimsKey struct{}

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves the claims from the context. ok is false when the
// request was not authenticated, including when auth is disabled.
func FromContext(ctx context.Context) (claims Claims, ok bool) {
	claims, ok = ctx.Value(claimsKey{}).(Claims)
	return claims, ok
}

// Permits reports whether the request carried by ctx may act with need.
// Unauthenticated contexts are permitted: the middleware is not installed
// when auth is disabled.
func Permits(ctx context.Context, need Scope) bool {
	claims, ok := FromContext(ctx)
	if !ok {
		return true
	}
	return claims.Scope.Allows(need)
}

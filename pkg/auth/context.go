package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

// WithClaims stores verified claims on the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// UserID returns the authenticated account id, or "" for anonymous requests.
// It matches the func(*http.Request) string extractor shape used by the API
// handler and the quota middlewares.
func UserID(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

// Email returns the authenticated account email, if the token carried one
func Email(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.Email
	}
	return ""
}

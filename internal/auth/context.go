package auth

import "context"

type contextKey string

const userContextKey contextKey = "auth.claims"

// SetUserContext attaches verified claims to the request context.
func SetUserContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// UserFromContext returns the claims attached by the auth middleware.
func UserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}

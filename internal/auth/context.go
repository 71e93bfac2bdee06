// ABOUTME: Request context helpers for the authenticated user identity
// ABOUTME: Provides WithUser/UserFromContext for propagating identity via context

package auth

import (
	"context"
)

type userContextKey struct{}

// WithUser returns a new context carrying the authenticated user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext returns the authenticated user ID, or "" if the context carries none.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}

type tokenContextKey struct{}

// WithToken returns a new context carrying the raw bearer credential.
// Handlers pass it on to services that authenticate themselves.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the raw bearer credential, or "" if absent.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

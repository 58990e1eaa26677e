package auth

import (
	"context"
	"strings"
)

type userContextKey struct{}

// ContextWithUser stores the authenticated identity id in the context.
func ContextWithUser(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, claims)
}

// UserIDFromContext extracts the authenticated identity id from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || strings.TrimSpace(c.Subject) == "" {
		return "", false
	}
	return c.Subject, true
}

// ClaimsFromContext returns the verified session claims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(userContextKey{}).(*Claims)
	return c, ok && c != nil
}

// Package requestctx carries the authenticated rider identity from the
// session middleware to request handlers.
package requestctx

import "context"

type userIDContextKey struct{}

// WithUserID stores the rider identifier resolved from the session token.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the rider identifier, or "" when the request
// carried no session.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDContextKey{}).(string)
	return value
}

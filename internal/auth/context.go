// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// Caller kinds.
const (
	KindUser     = "user"
	KindDelegate = "delegate"
)

// AuthContext holds the authenticated identity extracted from a request.
// HTTP requests carry a user; delegate streams carry the user that owns the
// API key plus the key id.
type AuthContext struct {
	UserID string
	KeyID  string // set for delegates
	Kind   string // KindUser or KindDelegate
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// UserID returns the authenticated user, or "" when there is none.
func UserID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.UserID
	}
	return ""
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

package middleware

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller, placed in the request context by
// the auth middleware.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// SetIdentity stores the caller identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity, or nil on unauthenticated
// paths.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

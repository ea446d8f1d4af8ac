package auth

import (
	"context"
	"errors"
)

type contextKey string

const identityKey contextKey = "identity"

// ErrNoIdentity is returned when a handler runs without the auth middleware.
var ErrNoIdentity = errors.New("auth: no identity in context")

// WithIdentity attaches the authenticated caller to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom retrieves the caller set by the middleware.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// TenantFrom is a shortcut for the caller's tenant id.
func TenantFrom(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	return id.TenantID, nil
}

// ABOUTME: Authenticated identity propagated through request handlers
// ABOUTME: Provides WithIdentity/FromContext for carrying caller info via context

package auth

import (
	"context"
)

// Identity holds the verified caller identity extracted from a request.
// CallerDivision is the division the identity provider vouches for; all
// permission checks at the gateway boundary key off it.
type Identity struct {
	CallerID       string
	CallerDivision string
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

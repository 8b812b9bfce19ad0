package authz

import (
	"context"
	"strings"
)

type contextKey struct{}

// Principal is the authenticated user on whose behalf an operation runs.
// It is supplied by the host and never persisted.
type Principal struct {
	ID string
}

// PrincipalFunc resolves the current principal. ok is false when nobody is
// authenticated.
type PrincipalFunc func(ctx context.Context) (Principal, bool)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext is the default PrincipalFunc. A blank ID counts as unauthenticated.
func FromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(contextKey{}).(Principal)
	if !ok || strings.TrimSpace(p.ID) == "" {
		return Principal{}, false
	}
	return p, true
}

package auth

import (
	"context"

	"github.com/jw6ventures/leadflow/internal/store"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller of an admin route.
type Principal struct {
	Subject string
	Email   string
	Profile *store.Profile
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	return p, ok
}

package httpserver

import (
	"context"

	"github.com/and161185/securehub/internal/model"
)

type ctxKey string

const principalKey ctxKey = "securehub.principal"

// WithPrincipal stores the authenticated user in context.
func WithPrincipal(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, principalKey, u)
}

// PrincipalFromCtx fetches the authenticated user from context.
func PrincipalFromCtx(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(principalKey).(*model.User)
	return u, ok && u != nil
}

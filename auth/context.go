package auth

import (
	"context"
)

type contextKey string

const userClaimsContextKey contextKey = "userClaims"

func ContextWithUserClaims(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, userClaimsContextKey, claims)
}

func UserClaimsFromContext(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(userClaimsContextKey).(*UserClaims)
	return claims, ok
}

// ActingUser names the user a request acts for: the email of the token, its
// subject when there is no email, or fallback without a token.
func ActingUser(ctx context.Context, fallback string) string {
	claims, ok := UserClaimsFromContext(ctx)
	if !ok {
		return fallback
	}
	if claims.Email != "" {
		return claims.Email
	}
	return claims.ID
}

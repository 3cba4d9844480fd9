package session

import "context"

type ctxKey string

const (
	ctxKeyUser        ctxKey = "session_user"
	ctxKeyAccessToken ctxKey = "session_access_token"
)

// WithUser stores the authenticated user profile in the context.
func WithUser(ctx context.Context, user *UserProfile) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext extracts the authenticated user profile from the context.
func UserFromContext(ctx context.Context) *UserProfile {
	v, _ := ctx.Value(ctxKeyUser).(*UserProfile)
	return v
}

// WithAccessToken stores the access token used for a request in the context.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyAccessToken, token)
}

// AccessTokenFromContext extracts the access token from the context.
func AccessTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAccessToken).(string)
	return v
}

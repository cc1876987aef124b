package auth

import "context"

// AuthContext is the per-request outcome of authentication and tenant
// binding. OrganizationID is empty when no tenant context was bound.
type AuthContext struct {
	User           *User
	OrganizationID string
	Owner          bool
}

// TenantBound reports whether an organization context was established.
func (a AuthContext) TenantBound() bool {
	return a.OrganizationID != ""
}

type authContextKey struct{}
type tokenContextKey struct{}

// ContextWithAuth attaches the authenticated request context.
func ContextWithAuth(ctx context.Context, actx AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, &actx)
}

// AuthFromContext extracts the authenticated request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	if ctx == nil {
		return AuthContext{}, false
	}
	v, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok || v == nil || v.User == nil {
		return AuthContext{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

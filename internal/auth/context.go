package auth

import (
	"context"
	"slices"
)

type principalContextKey struct{}
type tokenContextKey struct{}

// Principal is the authenticated caller resolved from an access token.
type Principal struct {
	UserID      int64
	Subject     string
	Email       string
	Name        string
	SessionID   string
	TokenID     string
	Roles       []string
	Permissions []string
}

// PrincipalFromClaims builds a Principal from verified claims.
func PrincipalFromClaims(c *AccessClaims) Principal {
	return Principal{
		UserID:      c.UserID,
		Subject:     c.Subject,
		Email:       c.Email,
		Name:        c.Name,
		SessionID:   c.SessionID,
		TokenID:     c.ID,
		Roles:       slices.Clone(c.Roles),
		Permissions: slices.Clone(c.Permissions),
	}
}

// HasRole reports an exact, case-sensitive role match.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports an exact permission match; no wildcard expansion
// happens here.
func (p Principal) HasPermission(perm string) bool {
	return slices.Contains(p.Permissions, perm)
}

// HasAnyPermission reports whether the principal holds at least one of perms.
func (p Principal) HasAnyPermission(perms ...string) bool {
	for _, perm := range perms {
		if p.HasPermission(perm) {
			return true
		}
	}
	return false
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
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

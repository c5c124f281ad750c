package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qazna.org/authd/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "bearer"
	maxOwnerBody = 64 << 10
)

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, raw string) (*auth.AccessClaims, error)
}

// Source names where RequireOwnership reads the resource owner id.
type Source int

const (
	SourcePath Source = iota
	SourceQuery
	SourceBody
)

// Guard enforces authentication and authorization on handlers.
type Guard struct {
	tokens TokenVerifier
	realm  string
}

// NewGuard builds a guard backed by tokens.
func NewGuard(tokens TokenVerifier) *Guard {
	return &Guard{tokens: tokens, realm: "authd"}
}

// Authenticate requires a valid bearer token and attaches the principal.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := g.authenticate(r)
		if err != nil {
			g.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth attaches the principal when a valid token is present and
// otherwise leaves the caller anonymous.
func (g *Guard) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctx, err := g.authenticate(r); err == nil {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) authenticate(r *http.Request) (context.Context, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, err
	}
	claims, err := g.tokens.VerifyAccessToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	ctx := auth.ContextWithPrincipal(r.Context(), auth.PrincipalFromClaims(claims))
	return auth.ContextWithToken(ctx, token), nil
}

// RequireRole passes callers holding at least one of roles.
func (g *Guard) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				g.deny(w, r, auth.ErrNoToken)
				return
			}
			if !p.HasAnyRole(roles...) {
				g.deny(w, r, auth.NewError(auth.KindInsufficientRole, "insufficient role", map[string]any{"required": roles}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission passes callers holding at least one of perms. Matching
// is exact.
func (g *Guard) RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				g.deny(w, r, auth.ErrNoToken)
				return
			}
			if !p.HasAnyPermission(perms...) {
				g.deny(w, r, auth.NewError(auth.KindInsufficientPermission, "insufficient permission", map[string]any{"required": perms}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnership compares the caller's subject with field read from
// source. Callers holding one of overrideRoles skip the comparison.
func (g *Guard) RequireOwnership(field string, source Source, overrideRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				g.deny(w, r, auth.ErrNoToken)
				return
			}
			owner, err := resourceID(r, field, source)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if owner == "" {
				g.deny(w, r, auth.NewError(auth.KindMissingResourceID, "resource id is required", map[string]any{"field": field}))
				return
			}
			if owner != p.Subject && !p.HasAnyRole(overrideRoles...) {
				g.deny(w, r, auth.ErrNotResourceOwner)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resourceID(r *http.Request, field string, source Source) (string, error) {
	switch source {
	case SourcePath:
		return strings.TrimSpace(r.PathValue(field)), nil
	case SourceQuery:
		return strings.TrimSpace(r.URL.Query().Get(field)), nil
	case SourceBody:
		return bodyField(r, field)
	default:
		return "", fmt.Errorf("unknown ownership source %d", source)
	}
}

// bodyField reads field from a JSON body and restores the body for the
// next handler.
func bodyField(r *http.Request, field string) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxOwnerBody+1))
	_ = r.Body.Close()
	if err != nil {
		return "", validationError("unable to read request body", nil)
	}
	if len(raw) > maxOwnerBody {
		return "", validationError("request body too large", nil)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", validationError("invalid JSON body", nil)
	}
	switch v := payload[field].(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", nil
	}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, err error) {
	switch auth.KindOf(err) {
	case auth.KindNoToken:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, g.realm))
	case auth.KindInvalidTokenFormat:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_request"`, g.realm))
	case auth.KindInvalidToken, auth.KindTokenExpired, auth.KindSessionRevoked:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, g.realm))
	case auth.KindInsufficientRole, auth.KindInsufficientPermission, auth.KindNotResourceOwner:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, g.realm))
	}
	writeError(w, r, err)
}

// extractBearerToken parses "Bearer <token>" with a case-insensitive scheme.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", auth.ErrNoToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", auth.ErrInvalidTokenFormat
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", auth.ErrInvalidTokenFormat
	}
	return token, nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

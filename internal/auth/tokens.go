package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	defaultIssuer   = "authd"
	defaultAudience = "authd-clients"

	refreshTokenBytes = 32
)

// AccessClaims are the claims carried by an access token. UserID and
// SessionID are filled in by VerifyAccessToken and never serialized.
type AccessClaims struct {
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims

	UserID    int64  `json:"-"`
	SessionID string `json:"-"`
}

// TokenIdentity is what an access token asserts about its subject.
type TokenIdentity struct {
	Subject     string
	Email       string
	Name        string
	Roles       []string
	Permissions []string
}

// IssuedToken is a freshly signed access token.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// SessionLookup resolves the session bound to an access token identifier.
type SessionLookup interface {
	ActiveSessionByJTI(ctx context.Context, jti string, at time.Time) (Session, error)
}

// TokenService issues and verifies access tokens and generates refresh tokens.
type TokenService struct {
	keys       *KeyManager
	sessions   SessionLookup
	rotation   RotationManager
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(aud string) TokenOption {
	return func(s *TokenService) error {
		if aud = strings.TrimSpace(aud); aud != "" {
			s.audience = aud
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithRotationManager lets verification consult the revocation cache first.
func WithRotationManager(r RotationManager) TokenOption {
	return func(s *TokenService) error {
		if r != nil {
			s.rotation = r
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokenLogger attaches a logger.
func WithTokenLogger(l *zap.Logger) TokenOption {
	return func(s *TokenService) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. keys may be nil, in which case
// every signing attempt fails with SigningUnavailable.
func NewTokenService(keys *KeyManager, sessions SessionLookup, opts ...TokenOption) (*TokenService, error) {
	if sessions == nil {
		return nil, errors.New("auth: session lookup is required")
	}
	s := &TokenService{
		keys:       keys,
		sessions:   sessions,
		rotation:   NoopRotation{},
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		leeway:     5 * time.Second,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if keys != nil {
		keys.ensureRetention(s.accessTTL + s.leeway)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a new access token with a fresh jti.
func (s *TokenService) IssueAccessToken(ctx context.Context, id TokenIdentity) (IssuedToken, error) {
	if s.keys == nil {
		return IssuedToken{}, ErrSigningUnavailable
	}
	kp, err := s.keys.ActiveKeyPair(ctx)
	if err != nil {
		return IssuedToken{}, err
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.accessTTL)
	jti := uuid.NewString()
	claims := AccessClaims{
		Email:       id.Email,
		Name:        id.Name,
		Roles:       nonNil(id.Roles),
		Permissions: nonNil(id.Permissions),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kp.KID
	signed, err := token.SignedString(kp.Private)
	if err != nil {
		return IssuedToken{}, WrapError(KindSigningUnavailable, "sign access token", err)
	}
	return IssuedToken{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// VerifyAccessToken checks the signature, registered claims and that the
// token's jti is still bound to an active session of an active user.
func (s *TokenService) VerifyAccessToken(ctx context.Context, raw string) (*AccessClaims, error) {
	if s.keys == nil {
		return nil, ErrSigningUnavailable
	}
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return s.keys.VerificationKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, WrapError(KindInvalidToken, "invalid token", err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := s.rotation.IsRevoked(ctx, RevokedAccessKey(claims.ID))
	if err != nil {
		s.logger.Warn("revocation cache lookup failed", zap.Error(err))
	} else if revoked {
		return nil, ErrSessionRevoked
	}

	sess, err := s.sessions.ActiveSessionByJTI(ctx, claims.ID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	claims.UserID = sess.UserID
	claims.SessionID = sess.ID
	return claims, nil
}

// IssueRefreshToken returns an opaque random token and the hash to persist.
func (s *TokenService) IssueRefreshToken() (string, string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken is the one-way hash used at issuance and redemption.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

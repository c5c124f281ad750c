package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type stubSessions struct {
	fn func(ctx context.Context, jti string, at time.Time) (Session, error)
}

func (s stubSessions) ActiveSessionByJTI(ctx context.Context, jti string, at time.Time) (Session, error) {
	return s.fn(ctx, jti, at)
}

func newTokenFixture(t *testing.T, sessions SessionLookup, opts ...TokenOption) (*TokenService, *KeyManager, *testClock) {
	t.Helper()
	clock := newTestClock()
	km, err := NewKeyManager(&memKeyStore{}, testCipher(t), WithKeyClock(clock.Now))
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	svc, err := NewTokenService(km, sessions, append([]TokenOption{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, km, clock
}

func bindAll(sessionID string, userID int64) stubSessions {
	return stubSessions{fn: func(context.Context, string, time.Time) (Session, error) {
		return Session{ID: sessionID, UserID: userID, Active: true}, nil
	}}
}

func TestTokenServiceIssueAndVerify(t *testing.T) {
	svc, km, _ := newTokenFixture(t, bindAll("sess-1", 42))
	ctx := context.Background()

	issued, err := svc.IssueAccessToken(ctx, TokenIdentity{
		Subject:     "user-1",
		Email:       "alice@example.com",
		Name:        "Alice",
		Roles:       []string{RoleUser},
		Permissions: []string{PermProfileRead},
	})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if strings.Count(issued.Token, ".") != 2 || issued.JTI == "" {
		t.Fatalf("unexpected token %+v", issued)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(issued.Token, &AccessClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	active, _ := km.ActiveKeyPair(ctx)
	if parsed.Header["kid"] != active.KID || parsed.Header["alg"] != "RS256" {
		t.Fatalf("header = %v", parsed.Header)
	}

	claims, err := svc.VerifyAccessToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.ID != issued.JTI || claims.UserID != 42 || claims.SessionID != "sess-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Issuer != "authd" || len(claims.Audience) != 1 || claims.Audience[0] != "authd-clients" {
		t.Fatalf("registered claims = %+v", claims.RegisteredClaims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultAccessTTL {
		t.Fatalf("lifetime = %v", got)
	}
}

func TestTokenServiceRejectsTampering(t *testing.T) {
	svc, _, _ := newTokenFixture(t, bindAll("s", 1))
	ctx := context.Background()
	issued, err := svc.IssueAccessToken(ctx, TokenIdentity{Subject: "u"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	parts := strings.Split(issued.Token, ".")
	forged := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := svc.VerifyAccessToken(ctx, forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged signature err = %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage err = %v", err)
	}

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u", ID: "x"})
	signed, _ := hmac.SignedString([]byte("secret"))
	if _, err := svc.VerifyAccessToken(ctx, signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS256 token err = %v", err)
	}

	foreign, _ := rsa.GenerateKey(rand.Reader, 2048)
	other := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "u",
		ID:        "x",
		Issuer:    "authd",
		Audience:  jwt.ClaimStrings{"authd-clients"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	other.Header["kid"] = "foreign"
	signed, _ = other.SignedString(foreign)
	if _, err := svc.VerifyAccessToken(ctx, signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign key err = %v", err)
	}
}

func TestTokenServiceAudienceAndIssuer(t *testing.T) {
	issuer, km, clock := newTokenFixture(t, bindAll("s", 1), WithAudience("other"))
	verifier, err := NewTokenService(km, bindAll("s", 1), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	issued, err := issuer.IssueAccessToken(context.Background(), TokenIdentity{Subject: "u"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := verifier.VerifyAccessToken(context.Background(), issued.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("audience mismatch err = %v", err)
	}
}

func TestTokenServiceSessionBinding(t *testing.T) {
	lookupErr := ErrNotFound
	sessions := stubSessions{fn: func(context.Context, string, time.Time) (Session, error) {
		if lookupErr != nil {
			return Session{}, lookupErr
		}
		return Session{ID: "s", UserID: 1}, nil
	}}
	rotation := newMemRotation(time.Now)
	svc, _, clock := newTokenFixture(t, sessions, WithRotationManager(rotation))
	ctx := context.Background()
	issued, _ := svc.IssueAccessToken(ctx, TokenIdentity{Subject: "u"})

	if _, err := svc.VerifyAccessToken(ctx, issued.Token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("unbound jti err = %v", err)
	}

	lookupErr = errors.New("db down")
	if _, err := svc.VerifyAccessToken(ctx, issued.Token); err == nil || KindOf(err) != KindInternal {
		t.Fatalf("lookup failure err = %v", err)
	}

	lookupErr = nil
	if _, err := svc.VerifyAccessToken(ctx, issued.Token); err != nil {
		t.Fatalf("bound jti: %v", err)
	}
	_ = rotation.Revoke(ctx, RevokedAccessKey(issued.JTI), time.Minute)
	if _, err := svc.VerifyAccessToken(ctx, issued.Token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("revoked jti err = %v", err)
	}

	clock.Advance(DefaultAccessTTL + time.Second*10)
	if _, err := svc.VerifyAccessToken(ctx, issued.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired err = %v", err)
	}
}

func TestTokenServiceWithoutKeys(t *testing.T) {
	svc, err := NewTokenService(nil, bindAll("s", 1))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := svc.IssueAccessToken(context.Background(), TokenIdentity{Subject: "u"}); !errors.Is(err, ErrSigningUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefreshTokens(t *testing.T) {
	svc, _, _ := newTokenFixture(t, bindAll("s", 1))
	plain, hash, err := svc.IssueRefreshToken()
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if len(plain) != 43 || strings.ContainsAny(plain, "+/=") {
		t.Fatalf("token %q is not 32 bytes of base64url", plain)
	}
	if len(hash) != 64 || hash != HashRefreshToken(plain) {
		t.Fatalf("hash = %q", hash)
	}
	if hash == plain {
		t.Fatalf("hash must differ from token")
	}
	other, _, _ := svc.IssueRefreshToken()
	if other == plain {
		t.Fatalf("tokens must be random")
	}
}

func TestTokenServiceAcrossRotation(t *testing.T) {
	svc, km, clock := newTokenFixture(t, bindAll("s", 1))
	ctx := context.Background()

	before, err := svc.IssueAccessToken(ctx, TokenIdentity{Subject: "u"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	rotated, err := km.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, err := svc.IssueAccessToken(ctx, TokenIdentity{Subject: "u"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(after.Token, &AccessClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if parsed.Header["kid"] != rotated.KID {
		t.Fatalf("kid = %v, want %s", parsed.Header["kid"], rotated.KID)
	}

	clock.Advance(time.Minute)
	for name, tok := range map[string]string{"pre-rotation": before.Token, "post-rotation": after.Token} {
		if _, err := svc.VerifyAccessToken(ctx, tok); err != nil {
			t.Fatalf("%s token: %v", name, err)
		}
	}
}

func TestTokenServiceReplicasShareRotation(t *testing.T) {
	clock := newTestClock()
	store := &memKeyStore{}
	ctx := context.Background()
	replica := func() (*TokenService, *KeyManager) {
		km, err := NewKeyManager(store, testCipher(t), WithKeyClock(clock.Now), WithKeyRetention(time.Hour))
		if err != nil {
			t.Fatalf("NewKeyManager: %v", err)
		}
		svc, err := NewTokenService(km, bindAll("s", 1), WithClock(clock.Now))
		if err != nil {
			t.Fatalf("NewTokenService: %v", err)
		}
		return svc, km
	}
	svcA, kmA := replica()
	svcB, _ := replica()

	if _, err := svcB.IssueAccessToken(ctx, TokenIdentity{Subject: "u"}); err != nil {
		t.Fatalf("IssueAccessToken(b): %v", err)
	}
	rotated, err := kmA.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	clock.Advance(2 * time.Hour)
	issued, err := svcB.IssueAccessToken(ctx, TokenIdentity{Subject: "u"})
	if err != nil {
		t.Fatalf("IssueAccessToken(b): %v", err)
	}
	parsed, _, _ := jwt.NewParser().ParseUnverified(issued.Token, &AccessClaims{})
	if parsed.Header["kid"] != rotated.KID {
		t.Fatalf("b signed with %v, want %s", parsed.Header["kid"], rotated.KID)
	}
	if _, err := svcA.VerifyAccessToken(ctx, issued.Token); err != nil {
		t.Fatalf("a must accept b's token: %v", err)
	}
}

package auth

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	alicePassword = "Str0ng!Pass1"
	newPassword   = "N3w!Secret#9"
)

var testMeta = ClientMetadata{IPAddress: "203.0.113.7", UserAgent: "engine-test"}

type testEnv struct {
	engine   *Engine
	store    *memStore
	keyStore *memKeyStore
	keys     *KeyManager
	tokens   *TokenService
	audit    *memAudit
	clock    *testClock
	rotation RotationManager
}

type envOption func(*envConfig)

type envConfig struct {
	rotation RotationManager
	engine   []EngineOption
}

func withEnvRotation(r RotationManager) envOption {
	return func(c *envConfig) { c.rotation = r }
}

func withEngineOptions(opts ...EngineOption) envOption {
	return func(c *envConfig) { c.engine = append(c.engine, opts...) }
}

func fastCredentials() *CredentialStore {
	return NewCredentialStore(WithArgon2Params(Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}))
}

func testCipher(t *testing.T) *KeyCipher {
	t.Helper()
	c, err := NewKeyCipher(bytes.Repeat([]byte("k"), MinMasterSecretLength))
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}
	return c
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := newTestClock()
	if cfg.rotation == nil {
		cfg.rotation = NoopRotation{}
	}

	store := newMemStore()
	keyStore := &memKeyStore{}
	keys, err := NewKeyManager(keyStore, testCipher(t), WithKeyClock(clock.Now))
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	tokens, err := NewTokenService(keys, store, WithClock(clock.Now), WithRotationManager(cfg.rotation))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	audit := &memAudit{}
	engineOpts := append([]EngineOption{
		WithAuditSink(audit),
		WithEngineClock(clock.Now),
		WithRotation(cfg.rotation),
	}, cfg.engine...)
	engine, err := NewEngine(store, fastCredentials(), NewLockoutPolicy(0, 0, clock.Now), tokens, engineOpts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEnv{
		engine:   engine,
		store:    store,
		keyStore: keyStore,
		keys:     keys,
		tokens:   tokens,
		audit:    audit,
		clock:    clock,
		rotation: cfg.rotation,
	}
}

func (e *testEnv) register(t *testing.T, email string) User {
	t.Helper()
	u, err := e.engine.Register(context.Background(), RegisterInput{Email: email, Password: alicePassword, FirstName: "Test"}, testMeta)
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return u
}

func (e *testEnv) login(t *testing.T, email, password string) AuthResult {
	t.Helper()
	res, err := e.engine.Login(context.Background(), email, password, testMeta)
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return res
}

func TestEngineEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com")
	if user.PasswordAlgorithm != AlgorithmArgon2id {
		t.Fatalf("algorithm = %q", user.PasswordAlgorithm)
	}

	res := env.login(t, "Alice@Example.com ", alicePassword)
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatalf("expected access and refresh tokens, got %+v", res)
	}
	if res.TokenType != "Bearer" {
		t.Fatalf("token type = %q", res.TokenType)
	}
	if res.RefreshExpiresAt == nil || !res.RefreshExpiresAt.After(res.AccessExpiresAt) {
		t.Fatalf("refresh expiry %v must follow access expiry %v", res.RefreshExpiresAt, res.AccessExpiresAt)
	}

	claims, err := env.tokens.VerifyAccessToken(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != user.PublicID || claims.UserID != user.ID || claims.SessionID != res.SessionID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !slices.Equal(claims.Roles, []string{RoleUser}) {
		t.Fatalf("roles = %v", claims.Roles)
	}

	profile, err := env.engine.Profile(ctx, user.ID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if !slices.Contains(profile.Roles, RoleUser) || !slices.Contains(profile.Permissions, PermProfileRead) {
		t.Fatalf("profile = %+v", profile)
	}

	env.clock.Advance(time.Minute)
	refreshed, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.AccessToken == res.AccessToken {
		t.Fatalf("refresh must issue a new access token")
	}
	if refreshed.SessionID != res.SessionID {
		t.Fatalf("refresh changed session: %s != %s", refreshed.SessionID, res.SessionID)
	}
	if refreshed.RefreshToken != "" {
		t.Fatalf("rotation is off by default, got refresh token")
	}
	if _, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("second refresh err = %v, want ErrInvalidRefreshToken", err)
	}

	// The replay above revoked the session.
	if _, err := env.tokens.VerifyAccessToken(ctx, refreshed.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("verify after replay err = %v, want ErrSessionRevoked", err)
	}
}

func TestEngineLogoutRevokesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@example.com")
	res := env.login(t, "alice@example.com", alicePassword)

	refreshed, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := env.tokens.VerifyAccessToken(ctx, res.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("superseded access token err = %v, want ErrSessionRevoked", err)
	}
	if _, err := env.tokens.VerifyAccessToken(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("current access token: %v", err)
	}

	if err := env.engine.Logout(ctx, res.SessionID, testMeta); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.tokens.VerifyAccessToken(ctx, refreshed.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("verify after logout err = %v, want ErrSessionRevoked", err)
	}
	sess, err := env.store.SessionByID(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if sess.Active || sess.RevokeReason != ReasonLogout {
		t.Fatalf("session after logout = %+v", sess)
	}
	for _, tok := range env.store.data.tokens {
		if tok.SessionID == res.SessionID && !tok.Revoked && tok.UsedAt == nil {
			t.Fatalf("refresh token %d still redeemable after logout", tok.ID)
		}
	}
	if !slices.Contains(env.audit.actions(), ActionLogout) {
		t.Fatalf("logout not audited: %v", env.audit.actions())
	}
	if err := env.engine.Logout(ctx, "missing", testMeta); KindOf(err) != KindNotFound {
		t.Fatalf("logout unknown session err = %v", err)
	}
}

func TestEngineLoginUnknownEmailIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@example.com")

	_, errUnknown := env.engine.Login(ctx, "nobody@example.com", alicePassword, testMeta)
	_, errWrong := env.engine.Login(ctx, "alice@example.com", "Wr0ng!Pass", testMeta)
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("errors = %v / %v, want ErrInvalidCredentials", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown, errWrong)
	}
	entry, ok := env.audit.last(ActionLoginFailed)
	if !ok || entry.Success {
		t.Fatalf("failed login not audited")
	}
}

func TestEngineLockoutAfterThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.register(t, "bob@example.com")

	for i := 1; i <= DefaultLockoutThreshold; i++ {
		_, err := env.engine.Login(ctx, "bob@example.com", "Wr0ng!Pass", testMeta)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	entry, ok := env.audit.last(ActionLoginFailed)
	if !ok {
		t.Fatalf("missing failed login audit")
	}
	if got := entry.Details["failed_attempts"]; got != DefaultLockoutThreshold {
		t.Fatalf("failed_attempts = %v", got)
	}
	if _, ok := entry.Details["locked_until"]; !ok {
		t.Fatalf("locked_until missing from %v", entry.Details)
	}

	_, err := env.engine.Login(ctx, "bob@example.com", alicePassword, testMeta)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("correct password while locked err = %v, want ErrAccountLocked", err)
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Fields["locked_until"] == nil {
		t.Fatalf("locked error without locked_until: %v", err)
	}

	stored, _ := env.store.UserByID(ctx, bob.ID)
	if stored.FailedLoginAttempts != DefaultLockoutThreshold {
		t.Fatalf("counter = %d", stored.FailedLoginAttempts)
	}

	env.clock.Advance(DefaultLockoutWindow + time.Minute)
	env.login(t, "bob@example.com", alicePassword)
	stored, _ = env.store.UserByID(ctx, bob.ID)
	if stored.FailedLoginAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("lockout not reset: %+v", stored)
	}
}

func TestEngineFailedCounterCappedAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "carol@example.com")

	for i := 0; i < DefaultLockoutThreshold; i++ {
		_, _ = env.engine.Login(ctx, "carol@example.com", "Wr0ng!Pass", testMeta)
	}
	env.clock.Advance(DefaultLockoutWindow + time.Second)
	_, _ = env.engine.Login(ctx, "carol@example.com", "Wr0ng!Pass", testMeta)

	stored, _ := env.store.UserByID(ctx, u.ID)
	if stored.FailedLoginAttempts != DefaultLockoutThreshold {
		t.Fatalf("counter = %d, want capped at %d", stored.FailedLoginAttempts, DefaultLockoutThreshold)
	}
	if !env.engine.lockout.IsLocked(stored) {
		t.Fatalf("failure after expired lock must lock again")
	}
}

func TestEngineLoginDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	u := env.register(t, "dave@example.com")
	env.store.setActive(u.ID, false)

	_, err := env.engine.Login(context.Background(), "dave@example.com", alicePassword, testMeta)
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
	_, err = env.engine.Login(context.Background(), "dave@example.com", "Wr0ng!Pass", testMeta)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password on disabled account err = %v, want ErrInvalidCredentials", err)
	}
}

func TestEngineConcurrentLoginsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "erin@example.com")

	a := env.login(t, "erin@example.com", alicePassword)
	b := env.login(t, "erin@example.com", alicePassword)
	if a.SessionID == b.SessionID {
		t.Fatalf("logins share a session")
	}
	if err := env.engine.Logout(context.Background(), a.SessionID, testMeta); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.tokens.VerifyAccessToken(context.Background(), b.AccessToken); err != nil {
		t.Fatalf("other session affected by logout: %v", err)
	}
}

func TestEngineConcurrentRefreshSingleUse(t *testing.T) {
	env := newTestEnv(t, withEngineOptions(WithReplayRevocation(false)))
	env.register(t, "frank@example.com")
	res := env.login(t, "frank@example.com", alicePassword)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Refresh(context.Background(), res.RefreshToken, testMeta)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidRefreshToken):
				failures++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || failures != attempts-1 {
		t.Fatalf("successes=%d failures=%d", successes, failures)
	}
}

func TestEngineRefreshReplayRevokesSession(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rotation RotationManager
	}{
		{name: "database", rotation: nil},
		{name: "cache", rotation: newMemRotation(time.Now)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, withEnvRotation(tc.rotation))
			ctx := context.Background()
			env.register(t, "grace@example.com")
			res := env.login(t, "grace@example.com", alicePassword)

			refreshed, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			_, err = env.engine.Refresh(ctx, res.RefreshToken, testMeta)
			if !errors.Is(err, ErrInvalidRefreshToken) || !errors.Is(err, ErrRefreshReplay) {
				t.Fatalf("replay err = %v", err)
			}
			if KindOf(err).Code() != "INVALID_REFRESH_TOKEN" {
				t.Fatalf("wire code = %s", KindOf(err).Code())
			}
			if _, err := env.tokens.VerifyAccessToken(ctx, refreshed.AccessToken); !errors.Is(err, ErrSessionRevoked) {
				t.Fatalf("access token after replay err = %v", err)
			}
			entry, ok := env.audit.last(ActionRefreshReplay)
			if !ok || entry.Details["session_revoked"] != true {
				t.Fatalf("replay audit = %+v", entry)
			}
		})
	}
}

func TestEngineRefreshReplayWithoutRevocation(t *testing.T) {
	env := newTestEnv(t, withEngineOptions(WithReplayRevocation(false)))
	ctx := context.Background()
	env.register(t, "heidi@example.com")
	res := env.login(t, "heidi@example.com", alicePassword)

	refreshed, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrRefreshReplay) {
		t.Fatalf("replay err = %v", err)
	}
	if _, err := env.tokens.VerifyAccessToken(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("session must survive replay when revocation is off: %v", err)
	}
}

func TestEngineRefreshUnknownTokenIsNotReplay(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Refresh(context.Background(), "not-a-token", testMeta)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, ErrRefreshReplay) {
		t.Fatalf("unknown token reported as replay")
	}
	if _, err := env.engine.Refresh(context.Background(), "  ", testMeta); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("blank token err = %v", err)
	}
}

func TestEngineRefreshAfterLogoutIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "ivan@example.com")
	res := env.login(t, "ivan@example.com", alicePassword)
	if err := env.engine.Logout(ctx, res.SessionID, testMeta); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
	if !errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrRefreshReplay) {
		t.Fatalf("err = %v", err)
	}
}

func TestEngineRefreshExpired(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "judy@example.com")
	res := env.login(t, "judy@example.com", alicePassword)
	env.clock.Advance(DefaultRefreshTTL + time.Minute)
	if _, err := env.engine.Refresh(context.Background(), res.RefreshToken, testMeta); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestEngineRefreshRotation(t *testing.T) {
	env := newTestEnv(t, withEngineOptions(WithRefreshRotation(true)))
	ctx := context.Background()
	env.register(t, "mallory@example.com")
	res := env.login(t, "mallory@example.com", alicePassword)

	first, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if first.RefreshToken == "" || first.RefreshToken == res.RefreshToken {
		t.Fatalf("rotation must issue a new refresh token")
	}
	if !first.RefreshExpiresAt.Equal(*res.RefreshExpiresAt) {
		t.Fatalf("rotated token must keep the session expiry")
	}
	if _, err := env.engine.Refresh(ctx, first.RefreshToken, testMeta); err != nil {
		t.Fatalf("rotated token refresh: %v", err)
	}
}

func TestEngineAccessTokenExpires(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "niaj@example.com")
	res := env.login(t, "niaj@example.com", alicePassword)
	env.clock.Advance(DefaultAccessTTL + time.Minute)
	if _, err := env.tokens.VerifyAccessToken(context.Background(), res.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestEngineChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "olivia@example.com")
	a := env.login(t, "olivia@example.com", alicePassword)
	b := env.login(t, "olivia@example.com", alicePassword)

	if err := env.engine.ChangePassword(ctx, u.ID, "Wr0ng!Pass", newPassword, testMeta); !errors.Is(err, ErrInvalidCurrentPassword) {
		t.Fatalf("wrong current err = %v", err)
	}
	if err := env.engine.ChangePassword(ctx, u.ID, alicePassword, alicePassword, testMeta); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("same password err = %v", err)
	}
	if err := env.engine.ChangePassword(ctx, u.ID, alicePassword, "short", testMeta); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak password err = %v", err)
	}

	if err := env.engine.ChangePassword(ctx, u.ID, alicePassword, newPassword, testMeta); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	for _, res := range []AuthResult{a, b} {
		if _, err := env.tokens.VerifyAccessToken(ctx, res.AccessToken); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("access token after password change err = %v", err)
		}
		if _, err := env.engine.Refresh(ctx, res.RefreshToken, testMeta); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("refresh after password change err = %v", err)
		}
	}
	if _, err := env.engine.Login(ctx, "olivia@example.com", alicePassword, testMeta); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password err = %v", err)
	}
	env.login(t, "olivia@example.com", newPassword)
}

func TestEngineRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "peggy@example.com")

	if _, err := env.engine.Register(ctx, RegisterInput{Email: " PEGGY@example.com", Password: alicePassword}, testMeta); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("duplicate err = %v", err)
	}

	_, err := env.engine.Register(ctx, RegisterInput{Email: "weak@example.com", Password: "password"}, testMeta)
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindWeakPassword {
		t.Fatalf("weak err = %v", err)
	}
	if errs, _ := typed.Fields["errors"].([]string); len(errs) == 0 {
		t.Fatalf("weak password error without details: %+v", typed.Fields)
	}

	_, err = env.engine.Register(ctx, RegisterInput{Email: "role@example.com", Password: alicePassword, Role: "ghost"}, testMeta)
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("unknown role err = %v", err)
	}
	if _, err := env.store.UserByEmail(ctx, "role@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed registration left a user behind: %v", err)
	}

	if _, err := env.engine.Register(ctx, RegisterInput{Password: alicePassword}, testMeta); KindOf(err) != KindValidation {
		t.Fatalf("missing email err = %v", err)
	}
}

func TestEngineAssignRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.register(t, "root@example.com")
	u := env.register(t, "rupert@example.com")

	past := env.clock.Now().Add(-time.Hour)
	if _, err := env.engine.AssignRole(ctx, u.ID, RoleModerator, &admin.ID, &past, testMeta); KindOf(err) != KindValidation {
		t.Fatalf("past expiry err = %v", err)
	}
	if _, err := env.engine.AssignRole(ctx, u.ID, "ghost", &admin.ID, nil, testMeta); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("unknown role err = %v", err)
	}
	if _, err := env.engine.AssignRole(ctx, 9999, RoleModerator, &admin.ID, nil, testMeta); KindOf(err) != KindNotFound {
		t.Fatalf("unknown user err = %v", err)
	}

	if _, err := env.engine.AssignRole(ctx, u.ID, RoleAdmin, &admin.ID, nil, testMeta); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	res := env.login(t, "rupert@example.com", alicePassword)
	if !slices.Equal(res.Roles, []string{RoleAdmin, RoleUser}) {
		t.Fatalf("roles = %v", res.Roles)
	}
	if slices.Contains(res.Permissions, PermissionAll) || !slices.Contains(res.Permissions, PermAuditRead) {
		t.Fatalf("wildcard not expanded: %v", res.Permissions)
	}

	until := env.clock.Now().Add(time.Hour)
	if _, err := env.engine.AssignRole(ctx, u.ID, RoleModerator, &admin.ID, &until, testMeta); err != nil {
		t.Fatalf("AssignRole with expiry: %v", err)
	}
	env.clock.Advance(2 * time.Hour)
	profile, err := env.engine.Profile(ctx, u.ID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if slices.Contains(profile.Roles, RoleModerator) {
		t.Fatalf("expired assignment still materialized: %v", profile.Roles)
	}
	entry, ok := env.audit.last(ActionRoleAssign)
	if !ok {
		t.Fatalf("role assignment not audited")
	}
	if entry.IPAddress != testMeta.IPAddress || entry.UserAgent != testMeta.UserAgent {
		t.Fatalf("role assignment audit lost client metadata: %+v", entry)
	}
}

func TestEngineUpgradesLegacyHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	legacy, err := bcrypt.GenerateFromPassword([]byte(alicePassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	u := User{PublicID: "legacy", Email: "legacy@example.com", PasswordHash: string(legacy), PasswordAlgorithm: AlgorithmBcrypt, Active: true}
	if err := env.store.CreateUser(ctx, &u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	res := env.login(t, "legacy@example.com", alicePassword)
	if len(res.Roles) != 0 {
		t.Fatalf("roles = %v", res.Roles)
	}
	stored, _ := env.store.UserByID(ctx, u.ID)
	if stored.PasswordAlgorithm != AlgorithmArgon2id {
		t.Fatalf("hash not upgraded: %s", stored.PasswordAlgorithm)
	}
	env.login(t, "legacy@example.com", alicePassword)
}

func TestEngineLogoutAllAndListSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "sybil@example.com")
	env.login(t, "sybil@example.com", alicePassword)
	env.login(t, "sybil@example.com", alicePassword)

	sessions, err := env.engine.ListSessions(ctx, u.ID)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("ListSessions = %v, %v", sessions, err)
	}
	n, err := env.engine.LogoutAll(ctx, u.ID, testMeta)
	if err != nil || n != 2 {
		t.Fatalf("LogoutAll = %d, %v", n, err)
	}
	sessions, _ = env.engine.ListSessions(ctx, u.ID)
	if len(sessions) != 0 {
		t.Fatalf("sessions after logout all: %v", sessions)
	}
}

func TestEnginePurgeExpired(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "trent@example.com")
	env.login(t, "trent@example.com", alicePassword)
	env.clock.Advance(DefaultRefreshTTL + time.Hour)
	env.login(t, "trent@example.com", alicePassword)

	tokens, sessions, err := env.engine.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if tokens != 1 || sessions != 1 {
		t.Fatalf("purged tokens=%d sessions=%d", tokens, sessions)
	}
}

func TestEngineTransactionRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "victor@example.com")

	boom := errors.New("boom")
	err := env.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.UpdatePassword(ctx, u.ID, "x", AlgorithmArgon2id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	env.login(t, "victor@example.com", alicePassword)
}

func TestEngineListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")
	env.register(t, "b@example.com")
	users, err := env.engine.ListUsers(context.Background(), 0, 0)
	if err != nil || len(users) != 2 {
		t.Fatalf("ListUsers = %v, %v", users, err)
	}
	roles, err := env.engine.ListRoles(context.Background())
	if err != nil || len(roles) != 3 {
		t.Fatalf("ListRoles = %v, %v", roles, err)
	}
}

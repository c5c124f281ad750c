package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qazna.org/authd/internal/obs"
)

// Audit actions emitted by the engine.
const (
	ActionRegister             = "auth.register"
	ActionLoginSuccess         = "auth.login.success"
	ActionLoginFailed          = "auth.login.failed"
	ActionLoginLocked          = "auth.login.locked"
	ActionLoginDisabled        = "auth.login.disabled"
	ActionRefresh              = "auth.refresh"
	ActionRefreshFailed        = "auth.refresh.failed"
	ActionRefreshReplay        = "auth.refresh.replay"
	ActionLogout               = "auth.logout"
	ActionLogoutAll            = "auth.logout_all"
	ActionPasswordChange       = "auth.password.change"
	ActionPasswordChangeFailed = "auth.password.change_failed"
	ActionRoleAssign           = "rbac.role.assign"
)

// Revocation reasons recorded on sessions and refresh tokens.
const (
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
	ReasonPasswordChange = "password_change"
	ReasonTokenReuse     = "refresh_token_reuse"
)

const tokenTypeBearer = "Bearer"

// AuditSink receives security events. Record must never fail the caller.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, AuditEntry) {}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	// Role defaults to the engine's default role when empty.
	Role string
}

// Engine orchestrates registration, login, refresh, logout, password change
// and role assignment. Every multi-entity change runs in one transaction.
type Engine struct {
	store          Store
	creds          *CredentialStore
	lockout        *LockoutPolicy
	tokens         *TokenService
	rotation       RotationManager
	auditor        AuditSink
	defaultRole    string
	rotateRefresh  bool
	revokeOnReplay bool
	now            func() time.Time
	logger         *zap.Logger
	dummyHash      string
}

// EngineOption configures Engine.
type EngineOption func(*Engine) error

// WithDefaultRole sets the role assigned at registration.
func WithDefaultRole(role string) EngineOption {
	return func(e *Engine) error {
		if role = strings.TrimSpace(role); role != "" {
			e.defaultRole = role
		}
		return nil
	}
}

// WithRefreshRotation makes Refresh issue a new refresh token each time.
func WithRefreshRotation(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.rotateRefresh = enabled
		return nil
	}
}

// WithReplayRevocation controls whether a replayed refresh token revokes its session.
func WithReplayRevocation(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.revokeOnReplay = enabled
		return nil
	}
}

// WithAuditSink attaches the audit sink.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		if s != nil {
			e.auditor = s
		}
		return nil
	}
}

// WithRotation attaches a revocation cache.
func WithRotation(r RotationManager) EngineOption {
	return func(e *Engine) error {
		if r != nil {
			e.rotation = r
		}
		return nil
	}
}

// WithEngineClock overrides the time source.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithEngineLogger attaches a logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// NewEngine wires the session engine.
func NewEngine(store Store, creds *CredentialStore, lockout *LockoutPolicy, tokens *TokenService, opts ...EngineOption) (*Engine, error) {
	if store == nil || creds == nil || lockout == nil || tokens == nil {
		return nil, errors.New("auth: store, credentials, lockout and tokens are required")
	}
	e := &Engine{
		store:          store,
		creds:          creds,
		lockout:        lockout,
		tokens:         tokens,
		rotation:       NoopRotation{},
		auditor:        discardAudit{},
		defaultRole:    RoleUser,
		revokeOnReplay: true,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	dummy, _, err := creds.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	e.dummyHash = dummy
	return e, nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user with the requested or default role.
func (e *Engine) Register(ctx context.Context, in RegisterInput, meta ClientMetadata) (User, error) {
	email := NormalizeEmail(in.Email)
	if email == "" {
		return User{}, NewError(KindValidation, "email is required", map[string]any{"field": "email"})
	}
	report := e.creds.ValidateStrength(in.Password)
	if !report.Valid {
		e.audit(ctx, nil, ActionRegister, "user", "", false, meta, map[string]any{"email": email, "reason": "weak_password"})
		return User{}, NewError(KindWeakPassword, "password does not meet the policy", map[string]any{
			"errors":      report.Errors,
			"suggestions": report.Suggestions,
		})
	}
	hash, algo, err := e.creds.Hash(in.Password)
	if err != nil {
		return User{}, err
	}
	roleName := strings.TrimSpace(in.Role)
	if roleName == "" {
		roleName = e.defaultRole
	}
	now := e.now().UTC()

	var user User
	err = e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := repo.UserByEmail(ctx, email); err == nil {
			return ErrEmailExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		role, err := repo.RoleByName(ctx, roleName)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return NewError(KindRoleNotFound, fmt.Sprintf("role %q not found", roleName), map[string]any{"role": roleName})
			}
			return err
		}
		user = User{
			PublicID:          uuid.NewString(),
			Email:             email,
			PasswordHash:      hash,
			PasswordAlgorithm: algo,
			FirstName:         strings.TrimSpace(in.FirstName),
			LastName:          strings.TrimSpace(in.LastName),
			Active:            true,
		}
		if err := repo.CreateUser(ctx, &user); err != nil {
			if errors.Is(err, ErrConflict) {
				return ErrEmailExists
			}
			return err
		}
		return repo.AssignRole(ctx, &RoleAssignment{
			UserID:     user.ID,
			RoleID:     role.ID,
			RoleName:   role.Name,
			AssignedAt: now,
		})
	})
	if err != nil {
		e.audit(ctx, nil, ActionRegister, "user", "", false, meta, map[string]any{"email": email, "reason": KindOf(err).Code()})
		return User{}, e.fail("register", err)
	}
	e.audit(ctx, &user.ID, ActionRegister, "user", user.PublicID, true, meta, map[string]any{"email": email, "role": roleName})
	return user, nil
}

// Login authenticates email and password and opens a new session.
func (e *Engine) Login(ctx context.Context, email, password string, meta ClientMetadata) (AuthResult, error) {
	email = NormalizeEmail(email)
	user, err := e.store.UserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return AuthResult{}, fmt.Errorf("login: %w", err)
		}
		// Same work as a real mismatch so response time does not reveal the email.
		e.creds.Verify(password, e.dummyHash, AlgorithmArgon2id)
		e.audit(ctx, nil, ActionLoginFailed, "user", "", false, meta, map[string]any{"email": email, "reason": "unknown_email"})
		return AuthResult{}, ErrInvalidCredentials
	}

	if e.lockout.IsLocked(user) {
		lockedUntil := user.LockedUntil.UTC()
		e.audit(ctx, &user.ID, ActionLoginLocked, "user", user.PublicID, false, meta, map[string]any{
			"email":        email,
			"locked_until": lockedUntil,
		})
		return AuthResult{}, NewError(KindAccountLocked, "account is temporarily locked", map[string]any{"locked_until": lockedUntil})
	}

	if !e.creds.Verify(password, user.PasswordHash, user.PasswordAlgorithm) {
		var lockedUntil *time.Time
		err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			lockedUntil, err = e.lockout.RecordFailure(ctx, repo, user.ID)
			return err
		})
		if err != nil {
			return AuthResult{}, fmt.Errorf("login: record failure: %w", err)
		}
		attempts := min(user.FailedLoginAttempts+1, e.lockout.Threshold())
		details := map[string]any{
			"email":           email,
			"reason":          "bad_password",
			"failed_attempts": attempts,
		}
		if lockedUntil != nil {
			details["locked_until"] = *lockedUntil
		}
		e.audit(ctx, &user.ID, ActionLoginFailed, "user", user.PublicID, false, meta, details)
		return AuthResult{}, ErrInvalidCredentials
	}

	if !user.Active {
		e.audit(ctx, &user.ID, ActionLoginDisabled, "user", user.PublicID, false, meta, map[string]any{"email": email})
		return AuthResult{}, ErrAccountDisabled
	}

	var upgraded struct{ hash, algo string }
	if e.creds.NeedsRehash(user.PasswordHash, user.PasswordAlgorithm) {
		if h, a, err := e.creds.Hash(password); err == nil {
			upgraded.hash, upgraded.algo = h, a
		} else {
			e.logger.Warn("password rehash failed", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}

	now := e.now().UTC()
	var result AuthResult
	err = e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := e.lockout.Reset(ctx, repo, user.ID); err != nil {
			return err
		}
		if err := repo.RecordLogin(ctx, user.ID, now); err != nil {
			return err
		}
		if upgraded.hash != "" {
			if err := repo.UpdatePassword(ctx, user.ID, upgraded.hash, upgraded.algo); err != nil {
				return err
			}
		}
		roles, perms, err := e.materialize(ctx, repo, user.ID, now)
		if err != nil {
			return err
		}
		access, err := e.tokens.IssueAccessToken(ctx, identityOf(user, roles, perms))
		if err != nil {
			return err
		}
		sess := Session{
			ID:             uuid.NewString(),
			UserID:         user.ID,
			JTI:            access.JTI,
			IPAddress:      meta.IPAddress,
			UserAgent:      meta.UserAgent,
			Active:         true,
			ExpiresAt:      now.Add(e.tokens.RefreshTTL()),
			LastActivityAt: now,
			CreatedAt:      now,
		}
		if err := repo.CreateSession(ctx, &sess); err != nil {
			return err
		}
		plain, hash, err := e.tokens.IssueRefreshToken()
		if err != nil {
			return err
		}
		rt := RefreshToken{
			SessionID: sess.ID,
			UserID:    user.ID,
			TokenHash: hash,
			ExpiresAt: sess.ExpiresAt,
			CreatedAt: now,
		}
		if err := repo.CreateRefreshToken(ctx, &rt); err != nil {
			return err
		}

		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
		user.LastLoginAt = &now
		result = AuthResult{
			User:             user.View(),
			Roles:            roles,
			Permissions:      perms,
			SessionID:        sess.ID,
			TokenType:        tokenTypeBearer,
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     plain,
			RefreshExpiresAt: &rt.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return AuthResult{}, e.fail("login", err)
	}
	e.audit(ctx, &user.ID, ActionLoginSuccess, "session", result.SessionID, true, meta, map[string]any{
		"email":           email,
		"hash_upgraded":   upgraded.hash != "",
		"session_expires": result.RefreshExpiresAt,
	})
	return result, nil
}

// Refresh redeems a refresh token for a new access token on the same session.
func (e *Engine) Refresh(ctx context.Context, token string, meta ClientMetadata) (AuthResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthResult{}, ErrInvalidRefreshToken
	}
	hash := HashRefreshToken(token)
	now := e.now().UTC()

	if revoked, err := e.rotation.IsRevoked(ctx, RevokedRefreshKey(hash)); err != nil {
		e.logger.Warn("revocation cache lookup failed", zap.Error(err))
	} else if revoked {
		return AuthResult{}, e.handleReplay(ctx, hash, meta)
	}

	var (
		result    AuthResult
		redeemed  RefreshToken
		oldJTI    string
		replay    bool
		actorID   int64
		sessionID string
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		rt, err := repo.RedeemRefreshToken(ctx, hash, now)
		if errors.Is(err, ErrNotFound) {
			if existing, lerr := repo.RefreshTokenByHash(ctx, hash); lerr == nil && existing.UsedAt != nil {
				replay = true
			}
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}
		redeemed = rt
		actorID, sessionID = rt.UserID, rt.SessionID

		sess, err := repo.SessionByID(ctx, rt.SessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidRefreshToken
			}
			return err
		}
		if !sess.Active || !sess.ExpiresAt.After(now) {
			return ErrInvalidRefreshToken
		}
		user, err := repo.UserByID(ctx, rt.UserID)
		if err != nil {
			return err
		}
		if !user.Active {
			return ErrAccountDisabled
		}
		roles, perms, err := e.materialize(ctx, repo, user.ID, now)
		if err != nil {
			return err
		}
		access, err := e.tokens.IssueAccessToken(ctx, identityOf(user, roles, perms))
		if err != nil {
			return err
		}
		oldJTI = sess.JTI
		if err := repo.TouchSession(ctx, sess.ID, access.JTI, now); err != nil {
			return err
		}
		result = AuthResult{
			User:            user.View(),
			Roles:           roles,
			Permissions:     perms,
			SessionID:       sess.ID,
			TokenType:       tokenTypeBearer,
			AccessToken:     access.Token,
			AccessExpiresAt: access.ExpiresAt,
		}
		if !e.rotateRefresh {
			return nil
		}
		plain, nextHash, err := e.tokens.IssueRefreshToken()
		if err != nil {
			return err
		}
		next := RefreshToken{
			SessionID: sess.ID,
			UserID:    user.ID,
			TokenHash: nextHash,
			ExpiresAt: sess.ExpiresAt,
			CreatedAt: now,
		}
		if err := repo.CreateRefreshToken(ctx, &next); err != nil {
			return err
		}
		result.RefreshToken = plain
		result.RefreshExpiresAt = &next.ExpiresAt
		return nil
	})
	if err != nil {
		if replay {
			return AuthResult{}, e.handleReplay(ctx, hash, meta)
		}
		var actor *int64
		if actorID != 0 {
			actor = &actorID
		}
		e.audit(ctx, actor, ActionRefreshFailed, "session", sessionID, false, meta, map[string]any{"reason": KindOf(err).Code()})
		return AuthResult{}, e.fail("refresh", err)
	}

	e.revoke(ctx, RevokedRefreshKey(hash), redeemed.ExpiresAt.Sub(now))
	if oldJTI != "" {
		e.revoke(ctx, RevokedAccessKey(oldJTI), e.tokens.AccessTTL())
	}
	e.audit(ctx, &redeemed.UserID, ActionRefresh, "session", result.SessionID, true, meta, map[string]any{
		"rotated": e.rotateRefresh,
	})
	return result, nil
}

// handleReplay reacts to a refresh token that was already redeemed: the
// owning session is revoked (when enabled) and the event is audited.
func (e *Engine) handleReplay(ctx context.Context, hash string, meta ClientMetadata) error {
	replayErr := WrapError(KindInvalidRefreshToken, "invalid refresh token", ErrRefreshReplay)
	existing, err := e.store.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Error("load replayed refresh token", zap.Error(err))
		}
		return replayErr
	}
	details := map[string]any{"session_id": existing.SessionID, "session_revoked": false}
	if e.revokeOnReplay {
		now := e.now().UTC()
		var sess Session
		err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			s, err := repo.SessionByID(ctx, existing.SessionID)
			if err != nil {
				return err
			}
			sess = s
			if err := repo.DeactivateSession(ctx, s.ID, ReasonTokenReuse, now); err != nil {
				return err
			}
			_, err = repo.RevokeSessionRefreshTokens(ctx, s.ID, ReasonTokenReuse, now)
			return err
		})
		if err != nil {
			e.logger.Error("revoke session after refresh replay", zap.String("session_id", existing.SessionID), zap.Error(err))
		} else {
			details["session_revoked"] = true
			if sess.JTI != "" {
				e.revoke(ctx, RevokedAccessKey(sess.JTI), e.tokens.AccessTTL())
			}
		}
	}
	e.audit(ctx, &existing.UserID, ActionRefreshReplay, "session", existing.SessionID, false, meta, details)
	return replayErr
}

// Logout deactivates the session and revokes its refresh tokens.
func (e *Engine) Logout(ctx context.Context, sessionID string, meta ClientMetadata) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return NewError(KindValidation, "session id is required", nil)
	}
	now := e.now().UTC()
	var sess Session
	err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		s, err := repo.SessionByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return NewError(KindNotFound, "session not found", nil)
			}
			return err
		}
		sess = s
		if err := repo.DeactivateSession(ctx, s.ID, ReasonLogout, now); err != nil {
			return err
		}
		_, err = repo.RevokeSessionRefreshTokens(ctx, s.ID, ReasonLogout, now)
		return err
	})
	if err != nil {
		return e.fail("logout", err)
	}
	if sess.JTI != "" {
		e.revoke(ctx, RevokedAccessKey(sess.JTI), e.tokens.AccessTTL())
	}
	e.audit(ctx, &sess.UserID, ActionLogout, "session", sess.ID, true, meta, nil)
	return nil
}

// LogoutAll ends every active session of the user.
func (e *Engine) LogoutAll(ctx context.Context, userID int64, meta ClientMetadata) (int, error) {
	sessions, err := e.revokeEverything(ctx, userID, ReasonLogoutAll, nil)
	if err != nil {
		return 0, e.fail("logout all", err)
	}
	e.audit(ctx, &userID, ActionLogoutAll, "user", "", true, meta, map[string]any{"sessions": len(sessions)})
	return len(sessions), nil
}

// ChangePassword replaces the password and signs the user out everywhere.
func (e *Engine) ChangePassword(ctx context.Context, userID int64, current, next string, meta ClientMetadata) error {
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewError(KindNotFound, "user not found", nil)
		}
		return fmt.Errorf("change password: %w", err)
	}
	if !e.creds.Verify(current, user.PasswordHash, user.PasswordAlgorithm) {
		e.audit(ctx, &user.ID, ActionPasswordChangeFailed, "user", user.PublicID, false, meta, map[string]any{"reason": "invalid_current_password"})
		return ErrInvalidCurrentPassword
	}
	if current == next {
		return NewError(KindWeakPassword, "new password must differ from the current password", map[string]any{
			"errors":      []string{"new password must differ from the current password"},
			"suggestions": []string{"choose a password you have not used for this account"},
		})
	}
	report := e.creds.ValidateStrength(next)
	if !report.Valid {
		return NewError(KindWeakPassword, "password does not meet the policy", map[string]any{
			"errors":      report.Errors,
			"suggestions": report.Suggestions,
		})
	}
	hash, algo, err := e.creds.Hash(next)
	if err != nil {
		return err
	}
	sessions, err := e.revokeEverything(ctx, user.ID, ReasonPasswordChange, func(ctx context.Context, repo Repository) error {
		return repo.UpdatePassword(ctx, user.ID, hash, algo)
	})
	if err != nil {
		return e.fail("change password", err)
	}
	e.audit(ctx, &user.ID, ActionPasswordChange, "user", user.PublicID, true, meta, map[string]any{"sessions_revoked": len(sessions)})
	return nil
}

// revokeEverything deactivates all sessions and refresh tokens of the user in
// one transaction, running before first when given.
func (e *Engine) revokeEverything(ctx context.Context, userID int64, reason string, before func(context.Context, Repository) error) ([]Session, error) {
	now := e.now().UTC()
	var sessions []Session
	err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		if before != nil {
			if err := before(ctx, repo); err != nil {
				return err
			}
		}
		var err error
		sessions, err = repo.DeactivateUserSessions(ctx, userID, reason, now)
		if err != nil {
			return err
		}
		_, err = repo.RevokeUserRefreshTokens(ctx, userID, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.JTI != "" {
			e.revoke(ctx, RevokedAccessKey(s.JTI), e.tokens.AccessTTL())
		}
	}
	return sessions, nil
}

// AssignRole grants roleName to the user, optionally until expiresAt.
func (e *Engine) AssignRole(ctx context.Context, userID int64, roleName string, assignedBy *int64, expiresAt *time.Time, meta ClientMetadata) (RoleAssignment, error) {
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return RoleAssignment{}, NewError(KindValidation, "role is required", map[string]any{"field": "role"})
	}
	now := e.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return RoleAssignment{}, NewError(KindValidation, "expires_at must be in the future", map[string]any{"field": "expires_at"})
	}
	var assignment RoleAssignment
	err := e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := repo.UserByID(ctx, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return NewError(KindNotFound, "user not found", nil)
			}
			return err
		}
		role, err := repo.RoleByName(ctx, roleName)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return NewError(KindRoleNotFound, fmt.Sprintf("role %q not found", roleName), map[string]any{"role": roleName})
			}
			return err
		}
		assignment = RoleAssignment{
			UserID:     userID,
			RoleID:     role.ID,
			RoleName:   role.Name,
			AssignedBy: assignedBy,
			AssignedAt: now,
			ExpiresAt:  expiresAt,
		}
		return repo.AssignRole(ctx, &assignment)
	})
	if err != nil {
		e.audit(ctx, assignedBy, ActionRoleAssign, "user", fmt.Sprint(userID), false, meta, map[string]any{"role": roleName, "reason": KindOf(err).Code()})
		return RoleAssignment{}, e.fail("assign role", err)
	}
	details := map[string]any{"role": roleName, "user_id": userID}
	if expiresAt != nil {
		details["expires_at"] = expiresAt.UTC()
	}
	e.audit(ctx, assignedBy, ActionRoleAssign, "user", fmt.Sprint(userID), true, meta, details)
	return assignment, nil
}

// Profile returns the user with materialized roles and permissions.
func (e *Engine) Profile(ctx context.Context, userID int64) (Profile, error) {
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, NewError(KindNotFound, "user not found", nil)
		}
		return Profile{}, fmt.Errorf("profile: %w", err)
	}
	roles, perms, err := e.materialize(ctx, e.store, user.ID, e.now().UTC())
	if err != nil {
		return Profile{}, fmt.Errorf("profile: %w", err)
	}
	return Profile{User: user.View(), Roles: roles, Permissions: perms}, nil
}

// UserByPublicID resolves a user by its public identifier.
func (e *Engine) UserByPublicID(ctx context.Context, publicID string) (User, error) {
	user, err := e.store.UserByPublicID(ctx, strings.TrimSpace(publicID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, NewError(KindNotFound, "user not found", nil)
		}
		return User{}, err
	}
	return user, nil
}

// ListUsers pages through users ordered by creation.
func (e *Engine) ListUsers(ctx context.Context, limit, offset int) ([]UserView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	users, err := e.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	return views, nil
}

// ListRoles returns every role with its permissions.
func (e *Engine) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := e.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// ListSessions returns the user's active sessions.
func (e *Engine) ListSessions(ctx context.Context, userID int64) ([]SessionView, error) {
	sessions, err := e.store.ListActiveSessions(ctx, userID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	return views, nil
}

// PurgeExpired deletes refresh tokens and sessions past their expiry.
func (e *Engine) PurgeExpired(ctx context.Context) (tokens, sessions int64, err error) {
	now := e.now().UTC()
	err = e.store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		if tokens, err = repo.DeleteExpiredRefreshTokens(ctx, now); err != nil {
			return err
		}
		sessions, err = repo.DeleteExpiredSessions(ctx, now)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("purge expired: %w", err)
	}
	return tokens, sessions, nil
}

func (e *Engine) materialize(ctx context.Context, roles RoleStore, userID int64, at time.Time) ([]string, []string, error) {
	assigned, err := roles.UserRoles(ctx, userID, at)
	if err != nil {
		return nil, nil, err
	}
	var catalog []Permission
	for _, r := range assigned {
		if slices.Contains(r.Permissions, PermissionAll) {
			if catalog, err = roles.ListPermissions(ctx); err != nil {
				return nil, nil, err
			}
			break
		}
	}
	return RoleNames(assigned), MaterializePermissions(assigned, catalog), nil
}

func (e *Engine) revoke(ctx context.Context, key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := e.rotation.Revoke(ctx, key, ttl); err != nil {
		e.logger.Warn("revocation cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) audit(ctx context.Context, actor *int64, action, resourceType, resourceID string, success bool, meta ClientMetadata, details map[string]any) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	obs.RecordAuthEvent(action, outcome)
	e.auditor.Record(ctx, AuditEntry{
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Success:      success,
		CreatedAt:    e.now().UTC(),
	})
}

// fail keeps typed errors as they are and wraps anything else with op.
func (e *Engine) fail(op string, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func identityOf(u User, roles, perms []string) TokenIdentity {
	return TokenIdentity{
		Subject:     u.PublicID,
		Email:       u.Email,
		Name:        u.DisplayName(),
		Roles:       roles,
		Permissions: perms,
	}
}

package auth

import (
	"context"
	"time"
)

// UserStore manages user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByPublicID(ctx context.Context, publicID string) (User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	UpdatePassword(ctx context.Context, userID int64, hash, algorithm string) error
	RecordLogin(ctx context.Context, userID int64, at time.Time) error
}

// LockoutStore persists failed login counters.
type LockoutStore interface {
	// IncrementFailedAttempts raises the counter by one without exceeding
	// ceiling and returns the new value.
	IncrementFailedAttempts(ctx context.Context, userID int64, ceiling int) (int, error)
	LockUser(ctx context.Context, userID int64, until time.Time) error
	ResetFailedAttempts(ctx context.Context, userID int64) error
}

// RoleStore manages roles, the permission catalog and assignments.
type RoleStore interface {
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	// UserRoles returns roles whose assignment has not expired at the given time.
	UserRoles(ctx context.Context, userID int64, at time.Time) ([]Role, error)
	AssignRole(ctx context.Context, a *RoleAssignment) error
}

// SessionStore manages login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	// ActiveSessionByJTI returns the session currently bound to jti if the
	// session is active and unexpired and its user is active.
	ActiveSessionByJTI(ctx context.Context, jti string, at time.Time) (Session, error)
	ListActiveSessions(ctx context.Context, userID int64, at time.Time) ([]Session, error)
	TouchSession(ctx context.Context, id, jti string, at time.Time) error
	DeactivateSession(ctx context.Context, id, reason string, at time.Time) error
	// DeactivateUserSessions returns the sessions it deactivated.
	DeactivateUserSessions(ctx context.Context, userID int64, reason string, at time.Time) ([]Session, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// RefreshTokenStore manages refresh token hashes.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	// RedeemRefreshToken marks an unused, unrevoked, unexpired token as used in
	// a single conditional update. ErrNotFound means nothing was redeemed.
	RedeemRefreshToken(ctx context.Context, hash string, at time.Time) (RefreshToken, error)
	RefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error)
	RevokeSessionRefreshTokens(ctx context.Context, sessionID, reason string, at time.Time) (int64, error)
	RevokeUserRefreshTokens(ctx context.Context, userID int64, reason string, at time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// KeyStore persists signing keys.
type KeyStore interface {
	ActiveSigningKey(ctx context.Context) (SigningKey, error)
	SigningKeyByID(ctx context.Context, kid string) (SigningKey, error)
	// InsertSigningKey stores key as the only active key, retiring the
	// previous one in the same transaction.
	InsertSigningKey(ctx context.Context, key SigningKey, at time.Time) error
	ListSigningKeys(ctx context.Context, retiredSince time.Time) ([]SigningKey, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	ListAuditEntries(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Repository is the set of operations available inside a transaction.
type Repository interface {
	UserStore
	LockoutStore
	RoleStore
	SessionStore
	RefreshTokenStore
}

// Store is the persistence contract of the session engine.
type Store interface {
	Repository
	// RunInTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

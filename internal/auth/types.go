package auth

import (
	"strings"
	"time"
)

// User is an account that can authenticate against the service.
type User struct {
	ID                  int64
	PublicID            string
	Email               string
	PasswordHash        string
	PasswordAlgorithm   string
	FirstName           string
	LastName            string
	Active              bool
	Verified            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DisplayName joins first and last name, falling back to the email.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

// Role groups permissions. The permission "*" grants every permission.
type Role struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	Permissions []string
	System      bool
	CreatedAt   time.Time
}

// Permission is a fine-grained capability.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Description string
}

// RoleAssignment links a user to a role.
type RoleAssignment struct {
	UserID     int64
	RoleID     int64
	RoleName   string
	AssignedBy *int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
}

// Session is one authenticated login. JTI is the identifier of the only
// access token currently valid for the session.
type Session struct {
	ID             string
	UserID         int64
	JTI            string
	IPAddress      string
	UserAgent      string
	Active         bool
	ExpiresAt      time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
	RevokedAt      *time.Time
	RevokeReason   string
}

// RefreshToken is persisted by hash only.
type RefreshToken struct {
	ID            int64
	SessionID     string
	UserID        int64
	TokenHash     string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	Revoked       bool
	RevokedReason string
	RevokedAt     *time.Time
	CreatedAt     time.Time
}

// SigningKey is the persisted form of an RSA signing key pair.
type SigningKey struct {
	KID              string
	Algorithm        string
	PublicPEM        string
	EncryptedPrivate []byte
	Active           bool
	CreatedAt        time.Time
	RetiredAt        *time.Time
}

// AuditEntry is an append-only record of a security-relevant event.
type AuditEntry struct {
	ID           int64
	ActorID      *int64
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
	Success      bool
	CreatedAt    time.Time
}

// AuditFilter narrows ListAuditEntries.
type AuditFilter struct {
	ActorID *int64
	Action  string
	Since   *time.Time
	Limit   int
}

// ClientMetadata describes the caller of an engine operation.
type ClientMetadata struct {
	IPAddress string
	UserAgent string
}

// UserView is the public projection of a User.
type UserView struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Active      bool       `json:"active"`
	Verified    bool       `json:"verified"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// View projects the user for responses.
func (u User) View() UserView {
	return UserView{
		ID:          u.PublicID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Active:      u.Active,
		Verified:    u.Verified,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// AuthResult is returned by Login and Refresh.
type AuthResult struct {
	User             UserView   `json:"user"`
	Roles            []string   `json:"roles"`
	Permissions      []string   `json:"permissions"`
	SessionID        string     `json:"session_id"`
	TokenType        string     `json:"token_type"`
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

// Profile is a user with materialized roles and permissions.
type Profile struct {
	User        UserView `json:"user"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// SessionView is the public projection of a Session.
type SessionView struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// View projects the session for responses.
func (s Session) View() SessionView {
	return SessionView{
		ID:             s.ID,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

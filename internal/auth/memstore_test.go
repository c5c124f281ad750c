package auth

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by engine tests. Transactions are
// serialized and rolled back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memData
}

type memData struct {
	nextUserID  int64
	nextTokenID int64
	users       map[int64]User
	roles       map[string]Role
	perms       []Permission
	assignments []RoleAssignment
	sessions    map[string]Session
	tokens      map[string]RefreshToken
}

func (d memData) clone() memData {
	c := d
	c.users = make(map[int64]User, len(d.users))
	for k, v := range d.users {
		c.users[k] = v
	}
	c.roles = make(map[string]Role, len(d.roles))
	for k, v := range d.roles {
		c.roles[k] = v
	}
	c.perms = slices.Clone(d.perms)
	c.assignments = slices.Clone(d.assignments)
	c.sessions = make(map[string]Session, len(d.sessions))
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	c.tokens = make(map[string]RefreshToken, len(d.tokens))
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	return c
}

func newMemStore() *memStore {
	perms := []Permission{
		{ID: 1, Name: PermUsersRead},
		{ID: 2, Name: PermRolesAssign},
		{ID: 3, Name: PermAuditRead},
		{ID: 4, Name: PermProfileRead},
		{ID: 5, Name: PermProfileUpdateOwn},
	}
	return &memStore{data: memData{
		users: map[int64]User{},
		roles: map[string]Role{
			RoleAdmin:     {ID: 1, Name: RoleAdmin, Permissions: []string{PermissionAll}, System: true},
			RoleModerator: {ID: 2, Name: RoleModerator, Permissions: []string{PermUsersRead, PermProfileRead}, System: true},
			RoleUser:      {ID: 3, Name: RoleUser, Permissions: []string{PermProfileRead, PermProfileUpdateOwn}, System: true},
		},
		perms:    perms,
		sessions: map[string]Session{},
		tokens:   map[string]RefreshToken{},
	}}
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			m.restore(snapshot)
			panic(p)
		}
		if err != nil {
			m.restore(snapshot)
		}
	}()
	return fn(ctx, m)
}

func (m *memStore) restore(d memData) {
	m.mu.Lock()
	m.data = d
	m.mu.Unlock()
}

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	m.data.nextUserID++
	u.ID = m.data.nextUserID
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.data.users[u.ID] = *u
	return nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.data.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) UserByID(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.data.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memStore) UserByPublicID(_ context.Context, publicID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.data.users {
		if u.PublicID == publicID {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) ListUsers(_ context.Context, limit, offset int) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.data.users))
	for _, u := range m.data.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) updateUser(id int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.data.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	m.data.users[id] = u
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID int64, hash, algorithm string) error {
	return m.updateUser(userID, func(u *User) {
		u.PasswordHash, u.PasswordAlgorithm = hash, algorithm
	})
}

func (m *memStore) RecordLogin(_ context.Context, userID int64, at time.Time) error {
	return m.updateUser(userID, func(u *User) { u.LastLoginAt = &at })
}

func (m *memStore) IncrementFailedAttempts(_ context.Context, userID int64, ceiling int) (int, error) {
	var n int
	err := m.updateUser(userID, func(u *User) {
		u.FailedLoginAttempts = min(u.FailedLoginAttempts+1, ceiling)
		n = u.FailedLoginAttempts
	})
	return n, err
}

func (m *memStore) LockUser(_ context.Context, userID int64, until time.Time) error {
	return m.updateUser(userID, func(u *User) { u.LockedUntil = &until })
}

func (m *memStore) ResetFailedAttempts(_ context.Context, userID int64) error {
	return m.updateUser(userID, func(u *User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (m *memStore) setActive(userID int64, active bool) {
	_ = m.updateUser(userID, func(u *User) { u.Active = active })
}

func (m *memStore) RoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.roles[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.data.roles))
	for _, r := range m.data.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListPermissions(_ context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data.perms), nil
}

func (m *memStore) UserRoles(_ context.Context, userID int64, at time.Time) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, a := range m.data.assignments {
		if a.UserID != userID || (a.ExpiresAt != nil && !a.ExpiresAt.After(at)) {
			continue
		}
		out = append(out, m.data.roles[a.RoleName])
	}
	return out, nil
}

func (m *memStore) AssignRole(_ context.Context, a *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.data.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID {
			m.data.assignments[i] = *a
			return nil
		}
	}
	m.data.assignments = append(m.data.assignments, *a)
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.sessions[s.ID]; ok {
		return ErrConflict
	}
	m.data.sessions[s.ID] = *s
	return nil
}

func (m *memStore) SessionByID(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) ActiveSessionByJTI(_ context.Context, jti string, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.data.sessions {
		if s.JTI != jti || !s.Active || !s.ExpiresAt.After(at) {
			continue
		}
		if u, ok := m.data.users[s.UserID]; ok && u.Active {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *memStore) ListActiveSessions(_ context.Context, userID int64, at time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.data.sessions {
		if s.UserID == userID && s.Active && s.ExpiresAt.After(at) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) TouchSession(_ context.Context, id, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.JTI, s.LastActivityAt = jti, at
	m.data.sessions[id] = s
	return nil
}

func (m *memStore) DeactivateSession(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Active {
		s.Active, s.RevokedAt, s.RevokeReason = false, &at, reason
		m.data.sessions[id] = s
	}
	return nil
}

func (m *memStore) DeactivateUserSessions(_ context.Context, userID int64, reason string, at time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for id, s := range m.data.sessions {
		if s.UserID != userID || !s.Active {
			continue
		}
		s.Active, s.RevokedAt, s.RevokeReason = false, &at, reason
		m.data.sessions[id] = s
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.data.sessions {
		if !s.ExpiresAt.After(before) {
			delete(m.data.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.tokens[t.TokenHash]; ok {
		return ErrConflict
	}
	m.data.nextTokenID++
	t.ID = m.data.nextTokenID
	m.data.tokens[t.TokenHash] = *t
	return nil
}

func (m *memStore) RedeemRefreshToken(_ context.Context, hash string, at time.Time) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.tokens[hash]
	if !ok || t.UsedAt != nil || t.Revoked || !t.ExpiresAt.After(at) {
		return RefreshToken{}, ErrNotFound
	}
	t.UsedAt = &at
	m.data.tokens[hash] = t
	return t, nil
}

func (m *memStore) RefreshTokenByHash(_ context.Context, hash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.tokens[hash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) revokeTokens(match func(RefreshToken) bool, reason string, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.data.tokens {
		if t.Revoked || !match(t) {
			continue
		}
		t.Revoked, t.RevokedReason, t.RevokedAt = true, reason, &at
		m.data.tokens[h] = t
		n++
	}
	return n
}

func (m *memStore) RevokeSessionRefreshTokens(_ context.Context, sessionID, reason string, at time.Time) (int64, error) {
	return m.revokeTokens(func(t RefreshToken) bool { return t.SessionID == sessionID }, reason, at), nil
}

func (m *memStore) RevokeUserRefreshTokens(_ context.Context, userID int64, reason string, at time.Time) (int64, error) {
	return m.revokeTokens(func(t RefreshToken) bool { return t.UserID == userID }, reason, at), nil
}

func (m *memStore) DeleteExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.data.tokens {
		if !t.ExpiresAt.After(before) {
			delete(m.data.tokens, h)
			n++
		}
	}
	return n, nil
}

// memKeyStore is an in-memory KeyStore.
type memKeyStore struct {
	mu      sync.Mutex
	keys    []SigningKey
	inserts int
}

func (k *memKeyStore) ActiveSigningKey(context.Context) (SigningKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range k.keys {
		if key.Active {
			return key, nil
		}
	}
	return SigningKey{}, ErrNotFound
}

func (k *memKeyStore) SigningKeyByID(_ context.Context, kid string) (SigningKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range k.keys {
		if key.KID == kid {
			return key, nil
		}
	}
	return SigningKey{}, ErrNotFound
}

func (k *memKeyStore) InsertSigningKey(_ context.Context, key SigningKey, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.keys {
		if k.keys[i].Active {
			k.keys[i].Active = false
			k.keys[i].RetiredAt = &at
		}
	}
	key.Active = true
	k.keys = append(k.keys, key)
	k.inserts++
	return nil
}

func (k *memKeyStore) ListSigningKeys(_ context.Context, retiredSince time.Time) ([]SigningKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []SigningKey
	for _, key := range k.keys {
		if key.Active || (key.RetiredAt != nil && key.RetiredAt.After(retiredSince)) {
			out = append(out, key)
		}
	}
	return out, nil
}

// memAudit collects audit entries.
type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func (a *memAudit) last(action string) (AuditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].Action == action {
			return a.entries[i], true
		}
	}
	return AuditEntry{}, false
}

// memRotation is an in-memory RotationManager.
type memRotation struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func newMemRotation(now func() time.Time) *memRotation {
	return &memRotation{entries: map[string]time.Time{}, now: now}
}

func (r *memRotation) Revoke(_ context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = r.now().Add(ttl)
	return nil
}

func (r *memRotation) IsRevoked(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.entries[key]
	return ok && exp.After(r.now()), nil
}

func (r *memRotation) Sweep(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, exp := range r.entries {
		if !exp.After(r.now()) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

// testClock is a settable clock shared by all components of a test engine.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/authd/internal/auth"
)

const sessionColumns = `s.id, s.user_id, s.jti, s.ip_address, s.user_agent, s.is_active, s.expires_at,
	s.last_activity_at, s.created_at, s.revoked_at, s.revoke_reason`

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess      auth.Session
		revokedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.JTI, &sess.IPAddress, &sess.UserAgent, &sess.Active, &sess.ExpiresAt,
		&sess.LastActivityAt, &sess.CreatedAt, &revokedAt, &sess.RevokeReason)
	if err != nil {
		return auth.Session{}, err
	}
	sess.RevokedAt = timePtr(revokedAt)
	return sess, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]auth.Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		insert into user_sessions (id, user_id, jti, ip_address, user_agent, is_active, expires_at, last_activity_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.JTI, sess.IPAddress, sess.UserAgent, sess.Active, sess.ExpiresAt, sess.LastActivityAt, sess.CreatedAt)
	return mapError(err)
}

func (s *Store) SessionByID(ctx context.Context, id string) (auth.Session, error) {
	if err := s.ready(); err != nil {
		return auth.Session{}, err
	}
	sess, err := scanSession(s.q.QueryRowContext(ctx, `select `+sessionColumns+` from user_sessions s where s.id = $1`, id))
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return sess, nil
}

func (s *Store) ActiveSessionByJTI(ctx context.Context, jti string, at time.Time) (auth.Session, error) {
	if err := s.ready(); err != nil {
		return auth.Session{}, err
	}
	sess, err := scanSession(s.q.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from user_sessions s
		join users u on u.id = s.user_id
		where s.jti = $1 and s.is_active and s.expires_at > $2 and u.is_active
	`, jti, at))
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return sess, nil
}

func (s *Store) ListActiveSessions(ctx context.Context, userID int64, at time.Time) ([]auth.Session, error) {
	return s.querySessions(ctx, `
		select `+sessionColumns+`
		from user_sessions s
		where s.user_id = $1 and s.is_active and s.expires_at > $2
		order by s.last_activity_at desc
	`, userID, at)
}

func (s *Store) TouchSession(ctx context.Context, id, jti string, at time.Time) error {
	return s.execOne(ctx, `
		update user_sessions set jti = $2, last_activity_at = $3
		where id = $1 and is_active
	`, id, jti, at)
}

func (s *Store) DeactivateSession(ctx context.Context, id, reason string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		update user_sessions set is_active = false, revoked_at = $3, revoke_reason = $2
		where id = $1 and is_active
	`, id, reason, at)
	return mapError(err)
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64, reason string, at time.Time) ([]auth.Session, error) {
	return s.querySessions(ctx, `
		update user_sessions s set is_active = false, revoked_at = $3, revoke_reason = $2
		where s.user_id = $1 and s.is_active
		returning `+sessionColumns, userID, reason, at)
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `delete from user_sessions where expires_at <= $1`, before)
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return rowsAffected(res)
}

const refreshColumns = `id, session_id, user_id, token_hash, expires_at, used_at, is_revoked, revoked_reason, revoked_at, created_at`

func scanRefreshToken(row rowScanner) (auth.RefreshToken, error) {
	var (
		t                 auth.RefreshToken
		usedAt, revokedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.Revoked,
		&t.RevokedReason, &revokedAt, &t.CreatedAt)
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.UsedAt = timePtr(usedAt)
	t.RevokedAt = timePtr(revokedAt)
	return t, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, t *auth.RefreshToken) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.q.QueryRowContext(ctx, `
		insert into refresh_tokens (session_id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
		returning id
	`, t.SessionID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt).Scan(&t.ID)
	return mapError(err)
}

func (s *Store) RedeemRefreshToken(ctx context.Context, hash string, at time.Time) (auth.RefreshToken, error) {
	if err := s.ready(); err != nil {
		return auth.RefreshToken{}, err
	}
	// Concurrent redeemers serialize on the row lock; the loser re-evaluates
	// used_at and matches nothing.
	t, err := scanRefreshToken(s.q.QueryRowContext(ctx, `
		update refresh_tokens set used_at = $2
		where token_hash = $1 and used_at is null and not is_revoked and expires_at > $2
		returning `+refreshColumns, hash, at))
	if err != nil {
		return auth.RefreshToken{}, mapError(err)
	}
	return t, nil
}

func (s *Store) RefreshTokenByHash(ctx context.Context, hash string) (auth.RefreshToken, error) {
	if err := s.ready(); err != nil {
		return auth.RefreshToken{}, err
	}
	t, err := scanRefreshToken(s.q.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_tokens where token_hash = $1`, hash))
	if err != nil {
		return auth.RefreshToken{}, mapError(err)
	}
	return t, nil
}

func (s *Store) RevokeSessionRefreshTokens(ctx context.Context, sessionID, reason string, at time.Time) (int64, error) {
	return s.execCount(ctx, `
		update refresh_tokens set is_revoked = true, revoked_reason = $2, revoked_at = $3
		where session_id = $1 and not is_revoked
	`, sessionID, reason, at)
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID int64, reason string, at time.Time) (int64, error) {
	return s.execCount(ctx, `
		update refresh_tokens set is_revoked = true, revoked_reason = $2, revoked_at = $3
		where user_id = $1 and not is_revoked
	`, userID, reason, at)
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `delete from refresh_tokens where expires_at <= $1`, before)
}

package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/authd/internal/auth"
)

const userColumns = `id, public_id, email, password_hash, password_algorithm, first_name, last_name,
	is_active, is_verified, failed_login_attempts, locked_until, last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u                   auth.User
		lockedUntil, lastAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.PublicID, &u.Email, &u.PasswordHash, &u.PasswordAlgorithm, &u.FirstName, &u.LastName,
		&u.Active, &u.Verified, &u.FailedLoginAttempts, &lockedUntil, &lastAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return auth.User{}, err
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastAt)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if err := s.ready(); err != nil {
		return err
	}
	row := s.q.QueryRowContext(ctx, `
		insert into users (public_id, email, password_hash, password_algorithm, first_name, last_name, is_active, is_verified)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id, created_at, updated_at
	`, u.PublicID, u.Email, u.PasswordHash, u.PasswordAlgorithm, u.FirstName, u.LastName, u.Active, u.Verified)
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) userBy(ctx context.Context, where string, arg any) (auth.User, error) {
	if err := s.ready(); err != nil {
		return auth.User{}, err
	}
	u, err := scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where `+where, arg))
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.userBy(ctx, `email = $1`, email)
}

func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	return s.userBy(ctx, `id = $1`, id)
}

func (s *Store) UserByPublicID(ctx context.Context, publicID string) (auth.User, error) {
	return s.userBy(ctx, `public_id::text = $1`, publicID)
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]auth.User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		select `+userColumns+`
		from users
		order by created_at, id
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, hash, algorithm string) error {
	return s.execOne(ctx, `
		update users set password_hash = $2, password_algorithm = $3, updated_at = now()
		where id = $1
	`, userID, hash, algorithm)
}

func (s *Store) RecordLogin(ctx context.Context, userID int64, at time.Time) error {
	return s.execOne(ctx, `update users set last_login_at = $2, updated_at = now() where id = $1`, userID, at)
}

func (s *Store) IncrementFailedAttempts(ctx context.Context, userID int64, ceiling int) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var attempts int
	err := s.q.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = least(failed_login_attempts + 1, $2), updated_at = now()
		where id = $1
		returning failed_login_attempts
	`, userID, ceiling).Scan(&attempts)
	if err != nil {
		return 0, mapError(err)
	}
	return attempts, nil
}

func (s *Store) LockUser(ctx context.Context, userID int64, until time.Time) error {
	return s.execOne(ctx, `update users set locked_until = $2, updated_at = now() where id = $1`, userID, until)
}

func (s *Store) ResetFailedAttempts(ctx context.Context, userID int64) error {
	return s.execOne(ctx, `
		update users set failed_login_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, userID)
}

const roleSelect = `
	select r.id, r.name, r.display_name, r.description, r.is_system, r.created_at,
		coalesce(string_agg(p.name, ',' order by p.name), '')
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r     auth.Role
		perms string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.System, &r.CreatedAt, &perms); err != nil {
		return auth.Role{}, err
	}
	r.Permissions = splitList(perms)
	return r, nil
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	if err := s.ready(); err != nil {
		return auth.Role{}, err
	}
	r, err := scanRole(s.q.QueryRowContext(ctx, roleSelect+`
		where r.name = $1
		group by r.id
	`, name))
	if err != nil {
		return auth.Role{}, mapError(err)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return s.queryRoles(ctx, roleSelect+`
		group by r.id
		order by r.name
	`)
}

func (s *Store) UserRoles(ctx context.Context, userID int64, at time.Time) ([]auth.Role, error) {
	return s.queryRoles(ctx, roleSelect+`
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1 and (ur.expires_at is null or ur.expires_at > $2)
		group by r.id
		order by r.name
	`, userID, at)
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		select id, name, resource, action, description
		from permissions
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, a *auth.RoleAssignment) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_by, assigned_at, expires_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, role_id) do update
		set assigned_by = excluded.assigned_by,
			assigned_at = excluded.assigned_at,
			expires_at = excluded.expires_at
	`, a.UserID, a.RoleID, nullInt64(a.AssignedBy), a.AssignedAt, nullTime(a.ExpiresAt))
	return mapError(err)
}

package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/authd/internal/auth"
)

const keyColumns = `kid, algorithm, public_pem, encrypted_private, is_active, created_at, retired_at`

func scanSigningKey(row rowScanner) (auth.SigningKey, error) {
	var (
		k         auth.SigningKey
		retiredAt sql.NullTime
	)
	if err := row.Scan(&k.KID, &k.Algorithm, &k.PublicPEM, &k.EncryptedPrivate, &k.Active, &k.CreatedAt, &retiredAt); err != nil {
		return auth.SigningKey{}, err
	}
	k.RetiredAt = timePtr(retiredAt)
	return k, nil
}

func (s *Store) ActiveSigningKey(ctx context.Context) (auth.SigningKey, error) {
	if err := s.ready(); err != nil {
		return auth.SigningKey{}, err
	}
	k, err := scanSigningKey(s.q.QueryRowContext(ctx, `select `+keyColumns+` from crypto_keys where is_active`))
	if err != nil {
		return auth.SigningKey{}, mapError(err)
	}
	return k, nil
}

func (s *Store) SigningKeyByID(ctx context.Context, kid string) (auth.SigningKey, error) {
	if err := s.ready(); err != nil {
		return auth.SigningKey{}, err
	}
	k, err := scanSigningKey(s.q.QueryRowContext(ctx, `select `+keyColumns+` from crypto_keys where kid = $1`, kid))
	if err != nil {
		return auth.SigningKey{}, mapError(err)
	}
	return k, nil
}

// InsertSigningKey retires the current key and activates key. A concurrent
// activation surfaces as auth.ErrConflict through the single-active index.
func (s *Store) InsertSigningKey(ctx context.Context, key auth.SigningKey, at time.Time) error {
	return s.RunInTx(ctx, func(ctx context.Context, repo auth.Repository) error {
		return repo.(*Store).insertSigningKey(ctx, key, at)
	})
}

func (s *Store) insertSigningKey(ctx context.Context, key auth.SigningKey, at time.Time) error {
	if _, err := s.q.ExecContext(ctx, `
		update crypto_keys set is_active = false, retired_at = $1
		where is_active
	`, at); err != nil {
		return mapError(err)
	}
	created := key.CreatedAt
	if created.IsZero() {
		created = at
	}
	_, err := s.q.ExecContext(ctx, `
		insert into crypto_keys (kid, algorithm, public_pem, encrypted_private, is_active, created_at)
		values ($1, $2, $3, $4, true, $5)
	`, key.KID, key.Algorithm, key.PublicPEM, key.EncryptedPrivate, created)
	return mapError(err)
}

func (s *Store) ListSigningKeys(ctx context.Context, retiredSince time.Time) ([]auth.SigningKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		select `+keyColumns+`
		from crypto_keys
		where is_active or retired_at > $1
		order by created_at desc
	`, retiredSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []auth.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

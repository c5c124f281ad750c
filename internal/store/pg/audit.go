package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"qazna.org/authd/internal/auth"
)

func (s *Store) InsertAuditEntry(ctx context.Context, e *auth.AuditEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	err = s.q.QueryRowContext(ctx, `
		insert into audit_logs (actor_id, action, resource_type, resource_id, details, ip_address, user_agent, success, created_at)
		values ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
		returning id
	`, nullInt64(e.ActorID), e.Action, e.ResourceType, e.ResourceID, string(payload), e.IPAddress, e.UserAgent, e.Success, e.CreatedAt).Scan(&e.ID)
	return mapError(err)
}

func (s *Store) ListAuditEntries(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if f.ActorID != nil {
		args = append(args, *f.ActorID)
		where = append(where, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := `select id, actor_id, action, resource_type, resource_id, details, ip_address, user_agent, success, created_at from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d", len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []auth.AuditEntry
	for rows.Next() {
		var (
			e       auth.AuditEntry
			actor   sql.NullInt64
			payload []byte
		)
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.ResourceType, &e.ResourceID, &payload, &e.IPAddress, &e.UserAgent, &e.Success, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			id := actor.Int64
			e.ActorID = &id
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

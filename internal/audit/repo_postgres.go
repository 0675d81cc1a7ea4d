package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends events to audit_events:
//
//	audit_events(id uuid primary key, type text, actor_user_id text, target_user_id text,
//	             from_role text, to_role text, ip_address text, message text,
//	             metadata jsonb, created_at timestamptz)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, target_user_id, from_role, to_role, ip_address, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, '')::jsonb,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.TargetUserID,
		e.FromRole,
		e.ToRole,
		e.IPAddress,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", e.Type, err)
	}
	return nil
}

func (r *PostgresRepo) ListByTarget(ctx context.Context, targetUserID string, limit int) ([]Event, error) {
	const q = `
SELECT id, type, actor_user_id, target_user_id, from_role, to_role, ip_address, message,
       COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE target_user_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, targetUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(&e.ID, &typ, &e.ActorUserID, &e.TargetUserID, &e.FromRole, &e.ToRole,
			&e.IPAddress, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	return out, nil
}

package staff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"staff-portal/internal/rbac"
	"staff-portal/pkg/utils"
)

// Repository persists staff roles.
//
// FindRole returns found=false for unknown or inactive users.
// UpdateRole runs guard against the current role while the row is locked and
// only writes when guard returns nil; it returns the role held before the write.
type Repository interface {
	FindRole(ctx context.Context, userID string) (rbac.Role, bool, error)
	UpdateRole(ctx context.Context, userID string, role rbac.Role, now time.Time, guard func(current rbac.Role) error) (rbac.Role, error)
}

// NOTE: PostgresRepo assumes the following table exists:
//
//	staff_profiles(user_id text primary key, email text, role text not null,
//	               active boolean not null default true, updated_at timestamptz)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindRole(ctx context.Context, userID string) (rbac.Role, bool, error) {
	const q = `
SELECT role, active
FROM staff_profiles
WHERE user_id = $1
`
	var (
		raw    string
		active bool
	)
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&raw, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !active {
		return 0, false, nil
	}
	role, ok := rbac.ParseRole(raw)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, true, nil
}

func (r *PostgresRepo) UpdateRole(ctx context.Context, userID string, role rbac.Role, now time.Time, guard func(current rbac.Role) error) (rbac.Role, error) {
	var prev rbac.Role
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the profile row so concurrent role changes serialize.
		const sel = `
SELECT role, active
FROM staff_profiles
WHERE user_id = $1
FOR UPDATE
`
		var (
			raw    string
			active bool
		)
		if err := tx.QueryRowContext(ctx, sel, userID).Scan(&raw, &active); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !active {
			return ErrNotFound
		}
		current, ok := rbac.ParseRole(raw)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownRole, raw)
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return err
			}
		}
		prev = current
		if current == role {
			return nil
		}

		const upd = `
UPDATE staff_profiles
SET role = $2, updated_at = $3
WHERE user_id = $1
`
		_, err := tx.ExecContext(ctx, upd, userID, role.String(), now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return prev, nil
}

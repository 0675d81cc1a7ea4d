package staff

import (
	"errors"
	"time"

	"staff-portal/internal/rbac"
)

// Profile is a staff member's authorization record.
// Invariant: the stored role is the single source of truth for permissions;
// cached permission sets are derived from it and never written back.
type Profile struct {
	UserID string    `json:"user_id" db:"user_id"`
	Email  string    `json:"email" db:"email"`
	Role   rbac.Role `json:"role" db:"role"`

	// Inactive staff keep their row for audit but resolve to no role.
	Active bool `json:"active" db:"active"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound        = errors.New("staff: not found")
	ErrInvalidArgument = errors.New("staff: invalid argument")
	ErrForbidden       = errors.New("staff: forbidden")
	ErrUnknownRole     = errors.New("staff: unknown stored role")
)

// ChangeRoleRequest asks for TargetUserID to be moved to NewRole by ActorUserID.
type ChangeRoleRequest struct {
	ActorUserID  string
	TargetUserID string
	NewRole      rbac.Role
}

// ChangeRoleResult reports what the stored role was before the change.
type ChangeRoleResult struct {
	UserID   string
	FromRole rbac.Role
	ToRole   rbac.Role
	// Changed is false when the user already held NewRole.
	Changed bool
}

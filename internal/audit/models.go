package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - target_user_id is required; every event is about one staff user.
// - audit is best-effort; do not block role changes on audit failures.
//
// Storage (Postgres): table audit_events with an INSERT-only policy.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated staff user causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// TargetUserID is the staff user whose access changed.
	TargetUserID string `json:"target_user_id" db:"target_user_id"`

	FromRole string `json:"from_role,omitempty" db:"from_role"`
	ToRole   string `json:"to_role,omitempty" db:"to_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRoleChanged      EventType = "role_changed"
	EventTypeCacheInvalidated EventType = "cache_invalidated"
)

package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByTarget(ctx context.Context, targetUserID string, limit int) ([]Event, error)
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Service records internal audit information about staff access.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent  = errors.New("audit: invalid event")
	ErrNotConfigured = errors.New("audit: repository not configured")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return ErrNotConfigured
	}
	if e.Type == "" || e.TargetUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogRoleChange records a staff role change.
func (s *Service) LogRoleChange(ctx context.Context, actorUserID, targetUserID, fromRole, toRole string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeRoleChanged,
		ActorUserID:  actorUserID,
		TargetUserID: targetUserID,
		FromRole:     fromRole,
		ToRole:       toRole,
		Message:      "staff role changed",
	})
}

// LogInvalidation records a manual permission cache invalidation.
func (s *Service) LogInvalidation(ctx context.Context, actorUserID, targetUserID, ip string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeCacheInvalidated,
		ActorUserID:  actorUserID,
		TargetUserID: targetUserID,
		IPAddress:    ip,
		Message:      "permission cache invalidated",
	})
}

// History returns the newest events about targetUserID. limit <= 0 means the
// default; larger values are capped.
func (s *Service) History(ctx context.Context, targetUserID string, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, ErrNotConfigured
	}
	if targetUserID == "" {
		return nil, ErrInvalidEvent
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return s.repo.ListByTarget(ctx, targetUserID, limit)
}

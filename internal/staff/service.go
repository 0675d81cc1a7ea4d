package staff

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"staff-portal/internal/rbac"
)

// Invalidator drops a user's cached permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// AuditLogger records role changes. Failures never block the change.
type AuditLogger interface {
	LogRoleChange(ctx context.Context, actorUserID, targetUserID, fromRole, toRole string) error
}

// Service is the Role Provider: it owns stored roles and keeps the permission
// cache honest after every write.
type Service struct {
	repo        Repository
	invalidator Invalidator
	audit       AuditLogger
	logger      *slog.Logger
	clock       func() time.Time
}

func NewService(repo Repository, invalidator Invalidator, audit AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		invalidator: invalidator,
		audit:       audit,
		logger:      logger,
		clock:       time.Now,
	}
}

// SetInvalidator attaches the cache invalidator. The resolver that owns the
// cache needs the Service as its Role Provider, so the two are wired in steps.
func (s *Service) SetInvalidator(inv Invalidator) { s.invalidator = inv }

var _ rbac.RoleProvider = (*Service)(nil)

// RoleOf returns the stored role of userID. found=false when the user is
// unknown or inactive.
func (s *Service) RoleOf(ctx context.Context, userID string) (rbac.Role, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, false, nil
	}
	return s.repo.FindRole(ctx, userID)
}

// ChangeRole moves the target to a new role. The actor must strictly outrank
// both the target's current role and the requested role. The target's cached
// permissions are invalidated after the stored role changes.
func (s *Service) ChangeRole(ctx context.Context, req ChangeRoleRequest) (ChangeRoleResult, error) {
	if strings.TrimSpace(req.ActorUserID) == "" || strings.TrimSpace(req.TargetUserID) == "" {
		return ChangeRoleResult{}, ErrInvalidArgument
	}
	if !req.NewRole.Valid() {
		return ChangeRoleResult{}, ErrInvalidArgument
	}
	if req.ActorUserID == req.TargetUserID {
		return ChangeRoleResult{}, ErrForbidden
	}

	actorRole, found, err := s.repo.FindRole(ctx, req.ActorUserID)
	if err != nil {
		return ChangeRoleResult{}, err
	}
	if !found || !rbac.CanManage(actorRole, req.NewRole) {
		return ChangeRoleResult{}, ErrForbidden
	}

	prev, err := s.repo.UpdateRole(ctx, req.TargetUserID, req.NewRole, s.clock().UTC(), func(current rbac.Role) error {
		if !rbac.CanManage(actorRole, current) {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return ChangeRoleResult{}, err
	}

	res := ChangeRoleResult{
		UserID:   req.TargetUserID,
		FromRole: prev,
		ToRole:   req.NewRole,
		Changed:  prev != req.NewRole,
	}
	if !res.Changed {
		return res, nil
	}

	// The role is committed; the invalidation and audit must not be dropped
	// because the caller went away.
	ctx = context.WithoutCancel(ctx)
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, req.TargetUserID)
	}

	s.logger.Info("staff role changed",
		"user_id", req.TargetUserID,
		"actor_user_id", req.ActorUserID,
		"from_role", prev.String(),
		"to_role", req.NewRole.String(),
	)
	if s.audit != nil {
		if err := s.audit.LogRoleChange(ctx, req.ActorUserID, req.TargetUserID, prev.String(), req.NewRole.String()); err != nil {
			s.logger.Warn("audit append failed", "user_id", req.TargetUserID, "operation", "change_role", "cause", err.Error())
		}
	}
	return res, nil
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"staff-portal/internal/audit"
	"staff-portal/internal/auth"
	"staff-portal/internal/cache"
	"staff-portal/internal/rbac"
	"staff-portal/internal/staff"
	"staff-portal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth        *auth.Manager
	Resolver    *rbac.Resolver
	Staff       *staff.Service
	Invalidator *rbac.Invalidator
	Audit       *audit.Service

	// DevLogin enables POST /api/auth/login. Never enabled in production.
	DevLogin bool
	// DBPing reports database reachability for /healthz; optional.
	DBPing func(ctx context.Context) error
	Clock  func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// --- Health ---

// Health reports liveness plus cache state. A degraded cache still answers 200:
// authorization keeps working by recomputing.
func (h Handlers) Health(c *gin.Context) {
	ctx := c.Request.Context()
	status := "ok"
	body := gin.H{}

	if h.Resolver != nil {
		store := h.Resolver.Store()
		healthy := store.IsHealthy(ctx)
		body["cache"] = gin.H{"mode": store.Mode().String(), "healthy": healthy}
		if store.Mode() == cache.ModeConfigured && !healthy {
			status = "degraded"
		}
	}
	if h.DBPing != nil {
		if err := h.DBPing(ctx); err != nil {
			logger.FromGin(c).Warn("database health check failed", "cause", err)
			body["database"] = "down"
			status = "degraded"
		} else {
			body["database"] = "ok"
		}
	}
	body["status"] = status
	c.JSON(http.StatusOK, body)
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login issues a token pair for an existing staff user.
//
// NOTE: dev-only. It trusts the posted user id; production sign-in goes through
// the identity provider and this route is not registered.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Auth == nil || h.Staff == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	if !h.hasRole(c, req.UserID) {
		return
	}
	h.issue(c, req.UserID)
}

// Refresh exchanges a refresh token for a new pair. The user must still hold a role.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Staff == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if !h.hasRole(c, claims.UserID) {
		return
	}
	h.issue(c, claims.UserID)
}

func (h Handlers) hasRole(c *gin.Context, userID string) bool {
	_, found, err := h.Staff.RoleOf(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Warn("role lookup failed", "user_id", userID, "operation", "login", "cause", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "role lookup failed"})
		return false
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown staff user"})
		return false
	}
	return true
}

func (h Handlers) issue(c *gin.Context, userID string) {
	pair, err := h.Auth.IssuePair(h.now(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Me ---

// Me describes the caller: role and effective permissions.
func (h Handlers) Me(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	body := gin.H{"user_id": userID, "role": nil, "level": 0}
	if role, found := h.Resolver.RoleOf(ctx, userID); found {
		body["role"] = role.String()
		body["level"] = rbac.Level(role)
	}
	body["permissions"] = h.Resolver.EffectivePermissions(ctx, userID)
	c.JSON(http.StatusOK, body)
}

// Can answers a fine-grained permission check for the caller.
func (h Handlers) Can(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	perm := strings.TrimSpace(c.Query("permission"))
	if perm == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "permission required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"permission": perm,
		"allowed":    h.Resolver.HasPermission(c.Request.Context(), userID, perm),
	})
}

// --- Staff admin ---

type changeRoleRequest struct {
	Role string `json:"role"`
}

// StaffPermissions shows another staff member's effective permissions.
// RBAC: staff:view.
func (h Handlers) StaffPermissions(c *gin.Context) {
	target := strings.TrimSpace(c.Param("user_id"))
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	ctx := c.Request.Context()
	body := gin.H{"user_id": target, "role": nil}
	if role, found := h.Resolver.RoleOf(ctx, target); found {
		body["role"] = role.String()
	}
	body["permissions"] = h.Resolver.EffectivePermissions(ctx, target)
	c.JSON(http.StatusOK, body)
}

// StaffAudit lists the newest audit events about a staff member.
// RBAC: staff:view.
func (h Handlers) StaffAudit(c *gin.Context) {
	target := strings.TrimSpace(c.Param("user_id"))
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "audit log unavailable"})
		return
	}
	events, err := h.Audit.History(c.Request.Context(), target, limit)
	if err != nil {
		logger.FromGin(c).Error("audit history failed", "user_id", target, "operation", "staff_audit", "cause", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": target, "events": events})
}

// ChangeRole moves a staff member to a new role.
// RBAC: staff:manage, and the caller must outrank the target.
func (h Handlers) ChangeRole(c *gin.Context) {
	actor, ok := requireUser(c)
	if !ok {
		return
	}
	target := strings.TrimSpace(c.Param("user_id"))
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	role, valid := rbac.ParseRole(req.Role)
	if target == "" || !valid {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}

	ctx := c.Request.Context()
	if !h.Resolver.CanManageUser(ctx, actor, target) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	res, err := h.Staff.ChangeRole(ctx, staff.ChangeRoleRequest{
		ActorUserID:  actor,
		TargetUserID: target,
		NewRole:      role,
	})
	if err != nil {
		status, msg := staffErrorStatus(err)
		if status == http.StatusInternalServerError {
			logger.FromGin(c).Error("role change failed", "user_id", target, "actor_user_id", actor, "cause", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":   res.UserID,
		"from_role": res.FromRole.String(),
		"to_role":   res.ToRole.String(),
		"changed":   res.Changed,
	})
}

// InvalidateCache drops one staff member's cached permissions.
// RBAC: cache:invalidate.
func (h Handlers) InvalidateCache(c *gin.Context) {
	actor, ok := requireUser(c)
	if !ok {
		return
	}
	target := strings.TrimSpace(c.Param("user_id"))
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	ctx := c.Request.Context()
	h.Invalidator.Invalidate(ctx, target)
	if h.Audit != nil {
		if err := h.Audit.LogInvalidation(ctx, actor, target, c.ClientIP()); err != nil {
			logger.FromGin(c).Warn("audit append failed", "user_id", target, "operation", "invalidate", "cause", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": target, "invalidated": true})
}

// FlushCache drops every cached permission set.
// RBAC: cache:invalidate.
func (h Handlers) FlushCache(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	n := h.Invalidator.FlushAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// --- Portal ---

// Page serves the portal page shell once RequirePageAccess has allowed the path.
func (h Handlers) Page(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": c.Request.URL.Path, "user_id": userID})
}

func requireUser(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", false
	}
	return userID, true
}

func staffErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, staff.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid argument"
	case errors.Is(err, staff.ErrNotFound):
		return http.StatusNotFound, "staff user not found"
	case errors.Is(err, staff.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "role change failed"
	}
}

package httpapi

import (
	"staff-portal/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Permission keys checked by individual handlers on top of the API gate.
const (
	PermStaffView       = "staff:view"
	PermStaffManage     = "staff:manage"
	PermCacheInvalidate = "cache:invalidate"
)

// Register wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
//
// Every /api route except the token endpoints needs a valid access token and
// must match one of the caller's API patterns.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	tokens := r.Group("/api/auth")
	if h.DevLogin {
		tokens.POST("/login", h.Login)
	}
	tokens.POST("/refresh", h.Refresh)

	api := r.Group("/api", authMW, rbac.RequireAPIAccess(h.Resolver))
	{
		api.GET("/me", h.Me)
		api.GET("/me/can", h.Can)

		admin := api.Group("/admin")
		admin.DELETE("/cache", rbac.RequirePermission(h.Resolver, PermCacheInvalidate), h.FlushCache)

		staff := admin.Group("/staff/:user_id")
		staff.GET("/permissions", rbac.RequirePermission(h.Resolver, PermStaffView), h.StaffPermissions)
		staff.GET("/audit", rbac.RequirePermission(h.Resolver, PermStaffView), h.StaffAudit)
		staff.PUT("/role", rbac.RequirePermission(h.Resolver, PermStaffManage), h.ChangeRole)
		staff.DELETE("/cache", rbac.RequirePermission(h.Resolver, PermCacheInvalidate), h.InvalidateCache)
	}

	r.GET("/portal/*page", authMW, rbac.RequirePageAccess(h.Resolver), h.Page)
}

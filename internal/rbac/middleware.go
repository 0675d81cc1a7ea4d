package rbac

import (
	"context"
	"net/http"

	"staff-portal/internal/auth"

	"github.com/gin-gonic/gin"
)

// Authorizer is the slice of Resolver the gates depend on.
type Authorizer interface {
	HasPermission(ctx context.Context, userID, permission string) bool
	CanAccessPage(ctx context.Context, userID, path string) bool
	CanAccessAPI(ctx context.Context, userID, endpoint string) bool
}

var _ Authorizer = (*Resolver)(nil)

// RequireAPIAccess gates a route group on the caller's API patterns.
// Identity must already be in the request context (auth.RequireAccessToken).
func RequireAPIAccess(a Authorizer) gin.HandlerFunc {
	return gate(func(c *gin.Context, userID string) bool {
		return a.CanAccessAPI(c.Request.Context(), userID, c.Request.URL.Path)
	})
}

// RequirePageAccess gates portal pages on the caller's page prefixes.
func RequirePageAccess(a Authorizer) gin.HandlerFunc {
	return gate(func(c *gin.Context, userID string) bool {
		return a.CanAccessPage(c.Request.Context(), userID, c.Request.URL.Path)
	})
}

// RequirePermission allows the request only if the caller holds perm.
func RequirePermission(a Authorizer, perm string) gin.HandlerFunc {
	return gate(func(c *gin.Context, userID string) bool {
		return a.HasPermission(c.Request.Context(), userID, perm)
	})
}

func gate(allow func(c *gin.Context, userID string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		// Explicit denials and degraded infrastructure look the same to the caller.
		if !allow(c, userID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"staff-portal/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	return tok, tok != ""
}

// RequireAccessToken verifies the access token and puts the staff user id in
// the request context, on the gin context and on the request logger.
// Authorization itself is left to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			logger.FromGin(c).Debug("access token rejected", "cause", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		reqLogger := logger.FromGin(c).With("user_id", claims.UserID)
		c.Set("logger", reqLogger)
		c.Set("user_id", claims.UserID)

		ctx := WithIdentity(c.Request.Context(), claims.UserID)
		c.Request = c.Request.WithContext(logger.With(ctx, reqLogger))
		c.Next()
	}
}

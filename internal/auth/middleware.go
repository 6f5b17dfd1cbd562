package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

const (
	ctxPermissions = "permissions"
	ctxUsername    = "username"
	ctxRole        = "role"
)

// AuthMiddleware validates tokens and enforces authentication. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter
// is accepted as well.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
					"UNAUTHORIZED", "missing authorization header", nil))
				return
			}

			// Extract token from "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
					"UNAUTHORIZED", "invalid authorization header format", nil))
				return
			}
			token = parts[1]
		}

		id, err := a.Authenticate(c.Request.Context(), token, c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
				"UNAUTHORIZED", "invalid or expired token", nil))
			return
		}

		c.Set(ctxPermissions, id.Permissions)
		c.Set(ctxUsername, id.Username)
		c.Set(ctxRole, id.Role)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range GetPermissions(c) {
			if p == required {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
			"FORBIDDEN", "insufficient permissions", gin.H{"required": string(required)}))
	}
}

// GetPermissions extracts permissions from the request context.
func GetPermissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(ctxPermissions); ok {
		if list, ok := perms.([]Permission); ok {
			return list
		}
	}
	return nil
}

// GetUsername returns the authenticated user, or "" outside the
// middleware.
func GetUsername(c *gin.Context) string {
	return c.GetString(ctxUsername)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID      = "user_id"
	ContextDisplayName = "display_name"
)

// AuthMiddleware validates the bearer token and sets user_id and
// display_name in the Gin context. The WebSocket endpoint may pass the token
// as the token query parameter since browsers cannot set headers there.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Error(c, 401, "INVALID_TOKEN", "Invalid token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query("token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// UserID returns the authenticated user id, empty when unauthenticated
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/searchbroker/searchbroker/internal/db"
)

// TokenContextKey is where TokenAuthMiddleware stores the resolved token.
const TokenContextKey = "auth_token"

// TokenAuthMiddleware resolves the caller's bearer secret to a live auth
// token and aborts the request if it is missing, unknown or disabled.
func TokenAuthMiddleware(dbService db.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var secret string
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				secret = parts[1]
			}
		}

		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token is required"})
			return
		}

		token, err := dbService.FindAuthTokenBySecret(secret)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		if !token.Enabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is disabled"})
			return
		}

		c.Set(TokenContextKey, token)
		c.Next()
	}
}

// AdminAuthMiddleware guards the admin surface with basic auth.
func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

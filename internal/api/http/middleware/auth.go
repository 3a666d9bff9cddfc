package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-link/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader = "X-API-Key"

	// BearerTokenKey holds the token presented in the Authorization header.
	BearerTokenKey = "bearer_token"
)

// APIKeyAuth guards admin routes with a key checked against its bcrypt hash.
func APIKeyAuth(apiKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKeyHash == "" {
			slog.Warn("Admin API key not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		}

		providedKey := c.GetHeader(apiKeyHeader)
		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
			})
			return
		}

		if !auth.CheckAPIKey(providedKey, apiKeyHash) {
			slog.Warn("Invalid API key attempt",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		c.Next()
	}
}

// BearerToken requires an Authorization: Bearer header and stores the token
// under BearerTokenKey. Validation is left to the handler.
func BearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		c.Set(BearerTokenKey, token)
		c.Next()
	}
}

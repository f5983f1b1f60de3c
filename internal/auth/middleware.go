package auth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// queryTokenParam is the websocket credential carrier: browsers cannot set
// headers on a websocket handshake, so the bearer token rides as ?token=.
const queryTokenParam = "token"

// RequireAccessToken verifies an access token and injects identity into
// request context. Used on the read-only HTTP surface.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok := strings.TrimPrefix(raw, bearerPrefix)

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.DisplayName)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", claims.UserID)
		c.Set("display_name", claims.DisplayName)

		c.Next()
	}
}

// TokenFromRequest extracts the bearer credential for a websocket handshake:
// query parameter first, Authorization header as a fallback for non-browser
// clients. Empty string when absent.
func TokenFromRequest(header http.Header, query url.Values) string {
	if tok := strings.TrimSpace(query.Get(queryTokenParam)); tok != "" {
		return tok
	}
	raw := strings.TrimSpace(header.Get(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimPrefix(raw, bearerPrefix)
	}
	return ""
}

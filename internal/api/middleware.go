package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/service"
	"github.com/denhq/go-den-backend/pkg/origin"
)

const userIDKey = "user_id"

// Logger returns a gin middleware for logging
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

// sessionToken extracts the session token from the cookie, falling back to a
// bearer Authorization header for non-browser clients.
func sessionToken(c *gin.Context, cookieName string) string {
	if cookie, err := c.Request.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// MaybeAuth resolves the session if one is presented, without requiring it
func MaybeAuth(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c, sessions.CookieName())
		if token != "" {
			if userID, err := sessions.Verify(token); err == nil {
				c.Set(userIDKey, userID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid session
func RequireAuth(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c, sessions.CookieName())
		if token == "" {
			c.JSON(401, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		userID, err := sessions.Verify(token)
		if err != nil {
			c.JSON(401, gin.H{"error": "Invalid session"})
			c.Abort()
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// authedUser returns the session user set by RequireAuth or MaybeAuth
func authedUser(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return domain.UserID{}, false
	}
	userID, ok := v.(domain.UserID)
	return userID, ok
}

// CanonicalOriginRedirect sends browser navigation to the auth pages on an
// allowed alternate host over to the canonical origin, where the passkeys
// live. The login page keeps the alternate origin as its redirect target so
// the completed login can hand the session back.
func CanonicalOriginRedirect(allowlist *origin.Allowlist, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		if !pathWithin(path, "/login") && !pathWithin(path, "/setup") {
			c.Next()
			return
		}

		fallback := origin.RequestFallbackScheme(c.Request, allowlist.RPOrigin())
		requestOrigin := origin.RequestOrigin(c.Request, fallback)
		if requestOrigin == allowlist.RPOrigin() || !allowlist.AllowedOrigin(requestOrigin) {
			c.Next()
			return
		}

		target := allowlist.RPOrigin() + path
		if pathWithin(path, "/login") {
			query := url.Values{}
			query.Set("redirect_origin", requestOrigin)
			redirectPath := c.Query("redirect_path")
			if redirectPath == "" {
				redirectPath = "/"
			}
			query.Set("redirect_path", redirectPath)
			target += "?" + query.Encode()
		}

		logger.Debug("Redirecting auth page to canonical origin",
			zap.String("from", requestOrigin),
			zap.String("path", path),
		)
		c.Redirect(http.StatusTemporaryRedirect, target)
		c.Abort()
	}
}

// pathWithin reports whether path is prefix itself or a subpath under it.
func pathWithin(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

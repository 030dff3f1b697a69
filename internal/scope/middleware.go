package scope

import (
	"net/http"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/auth"
	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireScopes allows the request only when the caller's token carries
// every needed scope.
// Rules:
// - identity must already be in context (use auth.RequireAccessToken first)
// - the granted set must be a superset of the needed set
// - grants and denials are logged with both sets; register data access
//   must stay traceable to an application
func RequireScopes(needed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		app, err := auth.ApplicationID(c.Request.Context())
		if err != nil || app == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "application identity required"})
			return
		}

		granted, err := auth.Scopes(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "scopes required"})
			return
		}

		l := logger.FromGin(c)
		if !HasAll(granted, needed) {
			l.Warn("access denied",
				"application_id", app,
				"granted_scopes", granted,
				"needed_scopes", needed,
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		l.Debug("access granted",
			"application_id", app,
			"needed_scopes", needed,
		)
		c.Next()
	}
}

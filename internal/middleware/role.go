package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/attendance/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if role == "" {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireSelfOrRole lets callers read their own resource (the user id in the
// named path param) and otherwise requires one of roles.
func RequireSelfOrRole(param string, roles ...string) gin.HandlerFunc {
	byRole := RequireRole(roles...)
	return func(c *gin.Context) {
		if uid := c.GetString(ContextUserID); uid != "" && uid == c.Param(param) {
			c.Next()
			return
		}
		byRole(c)
	}
}

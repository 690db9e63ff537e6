package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	subjectKey = "subject"
	roleKey    = "role"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware rejects requests whose bearer token does not grant required.
func (j *JWTHandler) Middleware(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
				"UNAUTHORIZED", "missing or malformed authorization header", nil))
			return
		}

		claims, err := j.Authorize(token, required)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, types.NewErrorResponse(
				"UNAUTHORIZED", err.Error(), nil))
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// Subject returns the authenticated subject, "" when auth is off.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}

package middleware

import (
	"errors"
	"strings"

	"p2d/internal/core/services"
	apperrors "p2d/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextSubjectKey = "subject"
	ContextNameKey    = "display_name"
)

// AuthMiddleware admits requests that carry a valid token, either as a
// Bearer header or as the token query parameter. Browsers cannot set headers
// on a websocket upgrade, so the query form is accepted too.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractToken(c)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(ContextSubjectKey, claims.Subject)
		c.Set(ContextNameKey, claims.Name)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractToken(c)
		if err == nil {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(ContextSubjectKey, claims.Subject)
				c.Set(ContextNameKey, claims.Name)
			}
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	writeAppError(c, apperrors.NewUnauthorizedError(err.Error()))
}

var (
	errTokenMissing = errors.New("token required")
	errHeaderFormat = errors.New("invalid authorization header format")
)

func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errHeaderFormat
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errTokenMissing
}

// Package auth provides the gateway's single shared-token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// TokenMiddleware validates the X-Auth-Token header against the process-lifetime
// token using a constant-time comparison. A missing header and a mismatched
// one both respond 401.
//
// If token is empty, authentication is disabled (local/dev use only).
func TokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-Auth-Token")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing auth token"})
			}

			return next(c)
		}
	}
}

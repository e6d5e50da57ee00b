package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// JobTokenHeader carries the scheduler's shared secret.  A Bearer
// Authorization header is accepted as well.
const JobTokenHeader = "X-Job-Token"

// JobToken guards scheduled job endpoints with a shared secret compared in
// constant time: a missing token is 401, a wrong one 403.  An empty
// configured token rejects every request.
func JobToken(token string) echo.MiddlewareFunc {
	want := []byte(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Prefer the dedicated header, then fall back to a Bearer token.
			got := c.Request().Header.Get(JobTokenHeader)
			if got == "" {
				if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if got == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing job token"})
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid job token"})
			}
			return next(c)
		}
	}
}

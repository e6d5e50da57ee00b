package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/poscred/internal/handler"
	"github.com/iliyamo/poscred/internal/middleware"
)

// RegisterCredentials registers the dashboard endpoints.  Both require a
// valid JWT with the OWNER or ADMIN role; verification is rate limited and
// the expiring list is served from the response cache.
func RegisterCredentials(e *echo.Echo, h *handler.CredentialHandler, jwtSecret string, limiter, cache echo.MiddlewareFunc) {
	auth := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleOwner, middleware.RoleAdmin),
	}
	e.POST("/verify-credentials", h.Verify, append(auth, limiter)...)
	e.GET("/credentials/expiring", h.ListExpiring, append(auth, cache)...)
}

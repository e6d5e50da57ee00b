// Package router registers the HTTP routes of the service on an echo
// instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/poscred/internal/handler"
	"github.com/iliyamo/poscred/internal/middleware"
)

// RegisterRoutes registers routes that need no authentication.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterJobs registers the scheduler entry points.  They authenticate
// with the shared job token instead of a user session.  Middleware is
// attached per route since the paths share no prefix.
func RegisterJobs(e *echo.Echo, j *handler.JobHandler, jobToken string) {
	auth := middleware.JobToken(jobToken)
	e.POST("/rotate", j.Rotate, auth)
	e.POST("/sync-daily", j.SyncDaily, auth)
	e.POST("/failure-monitor", j.FailureMonitor, auth)
}

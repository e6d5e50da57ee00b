package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/service"
)

// RotationRunner runs one proactive rotation pass.
type RotationRunner interface {
	Run(ctx context.Context) (service.RotationSummary, error)
}

type DailySyncRunner interface {
	Run(ctx context.Context, day time.Time) (service.SyncSummary, error)
}

type FailureMonitorRunner interface {
	Run(ctx context.Context) (service.FailureReport, error)
}

// JobHandler exposes the scheduled jobs to an external scheduler.  Every
// response carries the job summary; a 500 means the job hit an
// infrastructure fault and the summary is partial.
type JobHandler struct {
	Rotation RotationRunner
	Sync     DailySyncRunner
	Monitor  FailureMonitorRunner
	Log      *logrus.Logger
	Now      func() time.Time
}

// NewJobHandler returns the scheduler-facing job endpoints.
func NewJobHandler(rot RotationRunner, sync DailySyncRunner, mon FailureMonitorRunner, log *logrus.Logger) *JobHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &JobHandler{Rotation: rot, Sync: sync, Monitor: mon, Log: log, Now: time.Now}
}

type syncDailyReq struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// Rotate runs the batch rotation job.
func (h *JobHandler) Rotate(c echo.Context) error {
	sum, err := h.Rotation.Run(c.Request().Context())
	if err != nil {
		h.Log.WithError(err).Error("rotation job failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "rotation job failed", "summary": sum})
	}
	return c.JSON(http.StatusOK, sum)
}

// SyncDaily syncs the requested UTC day, yesterday when no date is given.
func (h *JobHandler) SyncDaily(c echo.Context) error {
	var req syncDailyReq
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	day := h.Now().UTC().AddDate(0, 0, -1)
	if req.Date != "" {
		d, err := time.Parse(model.DateLayout, req.Date)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "date must be YYYY-MM-DD"})
		}
		day = d
	}
	sum, err := h.Sync.Run(c.Request().Context(), day)
	if err != nil {
		h.Log.WithError(err).WithField("date", sum.Date).Error("daily sync failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "daily sync failed", "summary": sum})
	}
	return c.JSON(http.StatusOK, sum)
}

// FailureMonitor raises alerts for credentials that keep failing.
func (h *JobHandler) FailureMonitor(c echo.Context) error {
	rep, err := h.Monitor.Run(c.Request().Context())
	if err != nil {
		h.Log.WithError(err).Error("failure monitor failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failure monitor failed", "summary": rep})
	}
	return c.JSON(http.StatusOK, rep)
}

package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/poscred/internal/config"
	"github.com/iliyamo/poscred/internal/handler"
	"github.com/iliyamo/poscred/internal/middleware"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/service"
	"github.com/iliyamo/poscred/internal/utils"
)

const (
	jobToken  = "job-secret"
	jwtSecret = "jwt-secret"
)

type countingRotation struct{ calls int }

func (r *countingRotation) Run(context.Context) (service.RotationSummary, error) {
	r.calls++
	return service.RotationSummary{Status: service.JobOK}, nil
}

type noSync struct{}

func (noSync) Run(_ context.Context, day time.Time) (service.SyncSummary, error) {
	return service.SyncSummary{Date: day.Format(model.DateLayout)}, nil
}

type noMonitor struct{}

func (noMonitor) Run(context.Context) (service.FailureReport, error) {
	return service.FailureReport{Threshold: 3}, nil
}

type tenantVerifier struct{}

func (tenantVerifier) Verify(_ context.Context, tenantID, loc, prov string) (service.Verification, error) {
	return service.Verification{LocationID: loc, Provider: prov, Status: service.StatusConnected}, nil
}

type noExpiring struct{}

func (noExpiring) GetExpiring(context.Context, string, int) ([]model.Credential, error) {
	return nil, nil
}

func setup(t *testing.T) (*echo.Echo, *countingRotation) {
	t.Helper()
	e := echo.New()
	e.Validator = handler.NewRequestValidator()
	rot := &countingRotation{}
	RegisterRoutes(e, handler.NewHealthHandler(nil))
	RegisterJobs(e, handler.NewJobHandler(rot, noSync{}, noMonitor{}, nil), jobToken)
	RegisterCredentials(e, handler.NewCredentialHandler(tenantVerifier{}, noExpiring{}, nil), jwtSecret,
		middleware.NewTokenBucket(config.RateLimitConfig{}, nil, nil),
		middleware.NewRedisCache(config.CacheConfig{}, nil))
	return e, rot
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	e, _ := setup(t)
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobsRequireToken(t *testing.T) {
	e, rot := setup(t)
	for _, path := range []string{"/rotate", "/sync-daily", "/failure-monitor"} {
		rec := serve(e, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(middleware.JobTokenHeader, "wrong")
		assert.Equal(t, http.StatusForbidden, serve(e, req).Code, path)
	}
	assert.Equal(t, 0, rot.calls)

	req := httptest.NewRequest(http.MethodPost, "/rotate", nil)
	req.Header.Set(middleware.JobTokenHeader, jobToken)
	assert.Equal(t, http.StatusOK, serve(e, req).Code)
	assert.Equal(t, 1, rot.calls)
}

func TestDashboardRequiresJWTAndRole(t *testing.T) {
	e, _ := setup(t)
	body := `{"location_id":"loc-1","provider":"square"}`

	req := httptest.NewRequest(http.MethodPost, "/verify-credentials", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	cashier, err := utils.NewAccessToken(jwtSecret, "u-2", "CASHIER", "t-1", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/verify-credentials", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+cashier.Token)
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)

	owner, err := utils.NewAccessToken(jwtSecret, "u-1", middleware.RoleOwner, "t-1", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/verify-credentials", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+owner.Token)
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"connected"`)

	req = httptest.NewRequest(http.MethodGet, "/credentials/expiring?days=2", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+owner.Token)
	assert.Equal(t, http.StatusOK, serve(e, req).Code)
}

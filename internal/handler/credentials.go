package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/middleware"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/service"
)

// Verifier checks a stored credential against its provider.
type Verifier interface {
	Verify(ctx context.Context, tenantID, locationID, providerName string) (service.Verification, error)
}

// ExpiringLister lists a tenant's credentials near expiry.
type ExpiringLister interface {
	GetExpiring(ctx context.Context, tenantID string, daysAhead int) ([]model.Credential, error)
}

// CredentialHandler serves the dashboard's credential endpoints.
type CredentialHandler struct {
	Verifier Verifier
	Expiring ExpiringLister
	Log      *logrus.Logger
}

// NewCredentialHandler returns the credential endpoints.
func NewCredentialHandler(v Verifier, exp ExpiringLister, log *logrus.Logger) *CredentialHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CredentialHandler{Verifier: v, Expiring: exp, Log: log}
}

// ----- DTOs -----

type verifyReq struct {
	LocationID string `json:"location_id" validate:"required,max=64"`
	Provider   string `json:"provider" validate:"required,max=32"`
}

type expiringQuery struct {
	Days int `query:"days" json:"days" validate:"gte=0,lte=365"`
}

type expiringItem struct {
	LocationID          string     `json:"location_id"`
	Provider            string     `json:"provider"`
	Status              string     `json:"status"`
	ExpiresAt           time.Time  `json:"expires_at"`
	LastRotationAttempt *time.Time `json:"last_rotation_attempt_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// scopeTenant returns the tenant a request is limited to.  Admins see every
// tenant.
func scopeTenant(c echo.Context) string {
	if middleware.Role(c) == middleware.RoleAdmin {
		return ""
	}
	return middleware.TenantID(c)
}

// Verify checks a stored credential against its provider.
func (h *CredentialHandler) Verify(c echo.Context) error {
	var req verifyReq
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	tenant := scopeTenant(c)
	if tenant == "" && middleware.Role(c) != middleware.RoleAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "tenant required"})
	}
	res, err := h.Verifier.Verify(c.Request().Context(), tenant, req.LocationID, req.Provider)
	if err != nil {
		status, msg := verifyErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.Log.WithFields(logrus.Fields{
				"provider":    req.Provider,
				"location_id": req.LocationID,
			}).WithError(err).Error("verify credential failed")
		}
		return c.JSON(status, echo.Map{"error": msg})
	}
	return c.JSON(http.StatusOK, res)
}

func verifyErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "credential not found"
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown provider"
	}
	switch poserr.KindOf(err) {
	case poserr.KindProviderUnreachable:
		return http.StatusBadGateway, "provider unreachable"
	case poserr.KindDecryptError:
		return http.StatusInternalServerError, "credential unreadable"
	}
	return http.StatusInternalServerError, "verify failed"
}

// ListExpiring lists credentials expiring within ?days= days (default 7).
func (h *CredentialHandler) ListExpiring(c echo.Context) error {
	q := expiringQuery{Days: 7}
	if err := bindAndValidate(c, &q); err != nil {
		return err
	}
	tenant := scopeTenant(c)
	if tenant == "" && middleware.Role(c) != middleware.RoleAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "tenant required"})
	}
	creds, err := h.Expiring.GetExpiring(c.Request().Context(), tenant, q.Days)
	if err != nil {
		h.Log.WithError(err).Error("list expiring credentials failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "query failed"})
	}
	items := make([]expiringItem, 0, len(creds))
	for _, cr := range creds {
		items = append(items, expiringItem{
			LocationID:          cr.LocationID,
			Provider:            cr.Provider,
			Status:              string(cr.Status),
			ExpiresAt:           cr.ExpiresAt,
			LastRotationAttempt: cr.LastRotationAttemptAt,
			ConsecutiveFailures: cr.ConsecutiveFailures,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"days": q.Days, "credentials": items})
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
)

// Verification statuses as reported to API clients.
const (
	StatusConnected = "connected"
	StatusInvalid   = "invalid"
)

// VerifyStore loads and updates credentials for verification.
type VerifyStore interface {
	Get(ctx context.Context, locationID, provider string) (model.Credential, error)
	MarkVerified(ctx context.Context, locationID, provider string) error
	MarkInvalid(ctx context.Context, locationID, provider string) error
}

type Opener interface {
	Open(ref string) (string, error)
}

// Verification is the outcome of one verify call.
type Verification struct {
	LocationID string    `json:"location_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	VerifiedAt time.Time `json:"verified_at"`
}

// CredentialVerifier checks a stored credential against its provider.
type CredentialVerifier struct {
	base
	store     VerifyStore
	keys      Opener
	providers provider.Registry
	timeout   time.Duration
}

// NewCredentialVerifier returns a verifier bounding each provider call by timeout.
func NewCredentialVerifier(store VerifyStore, keys Opener, providers provider.Registry, timeout time.Duration, opts ...Option) *CredentialVerifier {
	if timeout <= 0 {
		timeout = provider.DefaultTimeouts().Validate
	}
	return &CredentialVerifier{base: newBase(opts), store: store, keys: keys, providers: providers, timeout: timeout}
}

// Verify validates the credential of locationID.  A tenantID that does not
// own the credential gets repository.ErrForbidden; an empty tenantID skips
// the ownership check.  Provider outages are returned as errors and leave
// the status unchanged.
func (v *CredentialVerifier) Verify(ctx context.Context, tenantID, locationID, providerName string) (Verification, error) {
	out := Verification{LocationID: locationID, Provider: providerName}
	cred, err := v.store.Get(ctx, locationID, providerName)
	if err != nil {
		return out, err
	}
	if tenantID != "" && cred.TenantID != tenantID {
		return out, repository.ErrForbidden
	}
	client, err := v.providers.Get(providerName)
	if err != nil {
		return out, err
	}
	log := v.log.WithFields(logrus.Fields{"provider": providerName, "location_id": locationID})

	plain, err := v.keys.Open(cred.SecretRef)
	if err != nil {
		derr := &poserr.DecryptError{LocationID: locationID, Err: err}
		ev := alert.Alert(alert.TypeDecryptError, alert.SeverityCritical, providerName, locationID, derr.Error())
		ev.TenantID = cred.TenantID
		alert.Send(ctx, v.events, v.log, ev)
		return out, derr
	}

	vctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	ok, err := client.Validate(vctx, plain)
	if err != nil {
		ok, err = provider.ValidationOutcome(err)
	}
	if err != nil {
		log.WithError(err).Warn("credential verification inconclusive")
		return out, err
	}

	out.VerifiedAt = time.Now().UTC()
	if ok {
		if err := v.store.MarkVerified(ctx, locationID, providerName); err != nil {
			return out, fmt.Errorf("mark verified: %w", err)
		}
		out.Status = StatusConnected
		ev := alert.Metric(alert.TypeCredentialVerified, providerName, locationID, nil)
		ev.TenantID = cred.TenantID
		alert.Send(ctx, v.events, v.log, ev)
		log.Info("credential verified")
		return out, nil
	}
	if err := v.store.MarkInvalid(ctx, locationID, providerName); err != nil {
		return out, fmt.Errorf("mark invalid: %w", err)
	}
	out.Status = StatusInvalid
	ev := alert.Alert(alert.TypeCredentialInvalid, alert.SeverityWarning, providerName, locationID, "provider rejected the stored credential")
	ev.TenantID = cred.TenantID
	alert.Send(ctx, v.events, v.log, ev)
	log.Warn("credential marked invalid")
	return out, nil
}

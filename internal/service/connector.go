package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
)

// ConnectStore persists newly connected credentials.
type ConnectStore interface {
	Create(ctx context.Context, c *model.Credential) error
	Reconnect(ctx context.Context, c *model.Credential) error
}

// Sealer encrypts a plaintext secret into a storable reference.
type Sealer interface {
	Seal(plain string) (string, error)
}

// ConnectRequest carries a freshly issued provider token for one location.
type ConnectRequest struct {
	TenantID   string
	LocationID string
	Provider   string
	Token      provider.Token
	ExpiresIn  time.Duration
	// Replace lets the token supersede a credential already stored for the
	// location, e.g. one marked invalid after the merchant revoked access.
	Replace bool
}

// Connected describes the stored credential; the secret is never echoed.
type Connected struct {
	ID         uint64    `json:"id"`
	LocationID string    `json:"location_id"`
	Provider   string    `json:"provider"`
	ExpiresAt  time.Time `json:"expires_at"`
	Replaced   bool      `json:"replaced"`
}

// CredentialConnector seals and stores credentials handed over by an
// operator or an OAuth callback.
type CredentialConnector struct {
	base
	store     ConnectStore
	keys      Sealer
	providers provider.Registry
	now       func() time.Time
}

// NewCredentialConnector returns a connector sealing secrets with keys.
// Only providers present in the registry can be connected.
func NewCredentialConnector(store ConnectStore, keys Sealer, providers provider.Registry, opts ...Option) *CredentialConnector {
	return &CredentialConnector{base: newBase(opts), store: store, keys: keys, providers: providers, now: time.Now}
}

// Connect stores req's token.  A location that already has a credential
// yields repository.ErrConflict unless req.Replace is set, in which case the
// stored credential is re-connected in place.
func (c *CredentialConnector) Connect(ctx context.Context, req ConnectRequest) (Connected, error) {
	if _, err := c.providers.Get(req.Provider); err != nil {
		return Connected{}, err
	}
	if req.Token.AccessToken == "" {
		return Connected{}, errors.New("connect: empty access token")
	}
	ref, err := c.keys.Seal(req.Token.Encode())
	if err != nil {
		return Connected{}, fmt.Errorf("connect: seal: %w", err)
	}
	cred := &model.Credential{
		TenantID:   req.TenantID,
		LocationID: req.LocationID,
		Provider:   req.Provider,
		SecretRef:  ref,
		ExpiresAt:  c.now().UTC().Add(req.ExpiresIn),
	}
	log := c.log.WithFields(logrus.Fields{"provider": req.Provider, "location_id": req.LocationID, "tenant_id": req.TenantID})

	replaced := false
	err = c.store.Create(ctx, cred)
	if errors.Is(err, repository.ErrConflict) && req.Replace {
		err = c.store.Reconnect(ctx, cred)
		replaced = err == nil
	}
	if err != nil {
		return Connected{}, fmt.Errorf("connect %s/%s: %w", req.Provider, req.LocationID, err)
	}
	if replaced {
		log.Info("credential re-connected")
	} else {
		log.Info("credential connected")
	}
	return Connected{ID: cred.ID, LocationID: cred.LocationID, Provider: cred.Provider, ExpiresAt: cred.ExpiresAt, Replaced: replaced}, nil
}

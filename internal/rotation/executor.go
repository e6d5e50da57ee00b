// Package rotation rotates one POS credential: open the sealed secret, ask
// the provider for a new one, prove the new one works and swap it into the
// store under a caller supplied rotation id.  Replaying a rotation id that
// already completed returns idempotent_noop without touching the provider or
// the store.
package rotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
)

// Store is the part of the credential store the executor needs.
type Store interface {
	FindRotation(ctx context.Context, rotationID string) (model.RotationAttempt, error)
	SwapRotated(ctx context.Context, p repository.SwapParams) (repository.SwapResult, error)
	RecordRotationFailure(ctx context.Context, f repository.RotationFailure) (int, error)
}

// Sealer opens and seals secret references (utils.Keyring).
type Sealer interface {
	Seal(plain string) (string, error)
	Open(ref string) (string, error)
}

// Request identifies the credential to rotate.  An empty RotationID is
// derived from the credential version with VersionID.
type Request struct {
	RotationID string
	LocationID string
	Provider   string
	SecretRef  string
}

// VersionID returns the rotation id of one credential version.  Every
// process that sees the same stored secret derives the same id, so racing
// rotations of that version collapse into one rotated and the rest
// idempotent_noop.
func VersionID(locationID, provider, secretRef string) string {
	sum := sha256.Sum256([]byte(locationID + "|" + provider + "|" + secretRef))
	return "v1-" + hex.EncodeToString(sum[:16])
}

// Result is the outcome of Rotate.
type Result struct {
	RotationID   string               `json:"rotation_id"`
	LocationID   string               `json:"location_id"`
	Provider     string               `json:"provider"`
	Result       model.RotationResult `json:"result"`
	NewExpiresAt time.Time            `json:"new_expires_at,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Error is a failed rotation step.  Kind is the taxonomy kind of Err.
type Error struct {
	RotationID string
	Step       string
	Kind       poserr.Kind
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rotation %s failed at %s (%s): %v", e.RotationID, e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Executor performs rotations.
type Executor struct {
	store     Store
	providers provider.Registry
	keys      Sealer
	events    alert.Emitter
	log       *logrus.Logger
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithEmitter sets where rotation events go.
func WithEmitter(e alert.Emitter) Option { return func(x *Executor) { x.events = e } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option { return func(x *Executor) { x.log = l } }

// WithClock overrides the time source used for expiries and attempt stamps.
func WithClock(now func() time.Time) Option { return func(x *Executor) { x.now = now } }

// New returns an Executor that opens and seals secrets with keys, talks to
// the providers in the registry and commits through store.
func New(store Store, providers provider.Registry, keys Sealer, opts ...Option) *Executor {
	x := &Executor{
		store:     store,
		providers: providers,
		keys:      keys,
		events:    alert.Nop,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Rotate runs decrypt, refresh, validate and swap.  It returns a failed
// Result together with an *Error when a step fails; the store is only
// changed by the final swap.
func (x *Executor) Rotate(ctx context.Context, req Request) (Result, error) {
	if req.RotationID == "" {
		req.RotationID = VersionID(req.LocationID, req.Provider, req.SecretRef)
	}
	res := Result{RotationID: req.RotationID, LocationID: req.LocationID, Provider: req.Provider}
	log := x.log.WithFields(logrus.Fields{
		"rotation_id": req.RotationID,
		"location_id": req.LocationID,
		"provider":    req.Provider,
	})

	prev, err := x.store.FindRotation(ctx, req.RotationID)
	switch {
	case err == nil && prev.Result == model.RotationRotated:
		res.Result = model.RotationIdempotentNoop
		if prev.NewExpiresAt != nil {
			res.NewExpiresAt = *prev.NewExpiresAt
		}
		log.Info("rotation already completed")
		x.emit(ctx, alert.Metric(alert.TypeRotationNoop, req.Provider, req.LocationID,
			map[string]any{"rotation_id": req.RotationID}))
		return res, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return res, fmt.Errorf("rotation %s: lookup: %w", req.RotationID, err)
	}

	started := x.now().UTC()
	x.emit(ctx, alert.Metric(alert.TypeRotationAttempt, req.Provider, req.LocationID,
		map[string]any{"rotation_id": req.RotationID}))

	client, err := x.providers.Get(req.Provider)
	if err != nil {
		return x.fail(ctx, log, req, res, started, "lookup",
			&poserr.RejectedError{Provider: req.Provider, Op: "lookup", Body: err.Error()})
	}

	plain, err := x.keys.Open(req.SecretRef)
	if err != nil {
		return x.fail(ctx, log, req, res, started, "decrypt",
			&poserr.DecryptError{LocationID: req.LocationID, Err: err})
	}

	refreshed, err := client.RefreshCredential(ctx, plain)
	if err != nil {
		return x.fail(ctx, log, req, res, started, "refresh", refreshError(req.Provider, err))
	}

	ok, err := client.Validate(ctx, refreshed.NewSecret)
	if err != nil {
		return x.fail(ctx, log, req, res, started, "validate", err)
	}
	if !ok {
		return x.fail(ctx, log, req, res, started, "validate",
			&poserr.ValidationFailedError{Provider: req.Provider, Reason: "provider rejected the new credential"})
	}

	sealed, err := x.keys.Seal(refreshed.NewSecret)
	if err != nil {
		return x.fail(ctx, log, req, res, started, "seal", err)
	}

	swap, err := x.store.SwapRotated(ctx, repository.SwapParams{
		RotationID:    req.RotationID,
		LocationID:    req.LocationID,
		Provider:      req.Provider,
		PrevSecretRef: req.SecretRef,
		NewSecretRef:  sealed,
		NewExpiresAt:  x.now().UTC().Add(refreshed.ExpiresIn),
		StartedAt:     started,
	})
	if err != nil {
		return res, fmt.Errorf("rotation %s: swap: %w", req.RotationID, err)
	}
	res.NewExpiresAt = swap.ExpiresAt
	if swap.Idempotent {
		res.Result = model.RotationIdempotentNoop
		if swap.Superseded {
			log.Info("credential already rotated by another writer; swap skipped")
		} else {
			log.Info("rotation id completed concurrently; swap skipped")
		}
		x.emit(ctx, alert.Metric(alert.TypeRotationNoop, req.Provider, req.LocationID,
			map[string]any{"rotation_id": req.RotationID}))
		return res, nil
	}
	res.Result = model.RotationRotated
	log.WithField("new_expires_at", res.NewExpiresAt).Info("credential rotated")
	x.emit(ctx, alert.Metric(alert.TypeRotationSucceeded, req.Provider, req.LocationID,
		map[string]any{"rotation_id": req.RotationID, "new_expires_at": res.NewExpiresAt.Format(time.RFC3339)}))
	return res, nil
}

// refreshError maps auth and client errors of the refresh call to
// ProviderRejected: the provider refused this refresh and will keep doing so.
func refreshError(providerName string, err error) error {
	switch poserr.KindOf(err) {
	case poserr.KindZombieToken, poserr.KindExpiredToken:
		return &poserr.RejectedError{Provider: providerName, Op: "refresh", StatusCode: 401, Body: err.Error()}
	case poserr.KindPermissionDenied:
		return &poserr.RejectedError{Provider: providerName, Op: "refresh", StatusCode: 403, Body: err.Error()}
	}
	return err
}

func (x *Executor) fail(ctx context.Context, log *logrus.Entry, req Request, res Result, started time.Time, step string, cause error) (Result, error) {
	kind := poserr.KindOf(cause)
	rerr := &Error{RotationID: req.RotationID, Step: step, Kind: kind, Err: cause}
	res.Result = model.RotationFailed
	res.Error = rerr.Error()

	// bookkeeping outlives a cancelled caller
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	failures, err := x.store.RecordRotationFailure(bctx, repository.RotationFailure{
		RotationID: req.RotationID,
		LocationID: req.LocationID,
		Provider:   req.Provider,
		StartedAt:  started,
		Err:        rerr.Error(),
	})
	if err != nil {
		log.WithError(err).Warn("record rotation failure")
	}
	log.WithFields(logrus.Fields{"step": step, "kind": kind, "consecutive_failures": failures}).
		WithError(cause).Warn("rotation failed")

	if kind == poserr.KindDecryptError {
		ev := alert.Alert(alert.TypeDecryptError, alert.SeverityCritical, req.Provider, req.LocationID,
			"stored credential cannot be decrypted; check CREDENTIAL_KEY")
		ev.Fields = map[string]any{"rotation_id": req.RotationID, "immediate": true}
		x.emit(bctx, ev)
	} else {
		ev := alert.Alert(alert.TypeRotationFailed, alert.SeverityWarning, req.Provider, req.LocationID, rerr.Error())
		ev.Fields = map[string]any{"rotation_id": req.RotationID, "kind": string(kind), "step": step, "consecutive_failures": failures}
		x.emit(bctx, ev)
	}
	return res, rerr
}

func (x *Executor) emit(ctx context.Context, ev alert.Event) {
	alert.Send(ctx, x.events, x.log, ev)
}

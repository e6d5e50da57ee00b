// Package interceptor wraps outbound provider calls.  A 401 that the
// provider marks as an expired token triggers one breaker-gated, deduplicated
// rotation followed by exactly one retry; a 401 without that mark (a zombie
// token) fails immediately.
package interceptor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/rotation"
)

// Target addresses the credential a call runs with.
type Target struct {
	TenantID   string
	LocationID string
	Provider   string
}

// Call is an outbound provider call made with a plaintext secret.
type Call func(ctx context.Context, secret string) error

// Credentials loads the current credential row for a target.
type Credentials interface {
	Get(ctx context.Context, locationID, provider string) (model.Credential, error)
}

// Opener decrypts a sealed secret reference.
type Opener interface {
	Open(ref string) (string, error)
}

// Rotator performs one credential rotation.
type Rotator interface {
	Rotate(ctx context.Context, req rotation.Request) (rotation.Result, error)
}

// Config tunes the interceptor.
type Config struct {
	// LocationScoped gates rotations on the (provider, location) breaker
	// instead of the provider-wide one.
	LocationScoped bool
	// RotationTimeout bounds a shared rotation, independent of the callers
	// waiting for it.
	RotationTimeout time.Duration
}

// Interceptor wraps provider calls with expiry detection, rotation and a
// single retry.
type Interceptor struct {
	creds    Credentials
	keys     Opener
	rotator  Rotator
	breaker  breaker.Gate
	cfg      Config
	events   alert.Emitter
	log      *logrus.Logger
	inflight Registry[rotation.Result]
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithEmitter sets where 401 and rotation metrics go.
func WithEmitter(e alert.Emitter) Option { return func(i *Interceptor) { i.events = e } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option { return func(i *Interceptor) { i.log = l } }

// New returns an Interceptor that loads secrets from creds, opens them with
// keys and rotates through rotator, gated by br.
func New(creds Credentials, keys Opener, rotator Rotator, br breaker.Gate, cfg Config, opts ...Option) *Interceptor {
	if cfg.RotationTimeout <= 0 {
		cfg.RotationTimeout = 60 * time.Second
	}
	i := &Interceptor{
		creds:   creds,
		keys:    keys,
		rotator: rotator,
		breaker: br,
		cfg:     cfg,
		events:  alert.Nop,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Do runs call with the target's current secret, recovering an expired
// token by rotating once and retrying once.
func (i *Interceptor) Do(ctx context.Context, t Target, call Call) error {
	secret, cred, err := i.secret(ctx, t)
	if err != nil {
		return err
	}
	err = call(ctx, secret)
	switch poserr.KindOf(err) {
	case poserr.KindNone:
		return nil
	case poserr.KindZombieToken:
		i.metric(ctx, alert.TypeUnauthorized, t, map[string]any{"expired": false})
		i.metric(ctx, alert.TypeZombieToken, t, nil)
		return &poserr.ZombieTokenError{Provider: t.Provider, LocationID: t.LocationID}
	case poserr.KindExpiredToken:
		i.metric(ctx, alert.TypeUnauthorized, t, map[string]any{"expired": true})
	default:
		return err
	}

	log := i.log.WithFields(logrus.Fields{"provider": t.Provider, "location_id": t.LocationID})
	res, shared, err := i.inflight.GetOrStart(ctx, t.LocationID, func() (rotation.Result, error) {
		return i.rotate(ctx, t, cred)
	})
	if err != nil {
		if poserr.KindOf(err) != poserr.KindCircuitOpen {
			i.metric(ctx, alert.TypeRotationError, t, map[string]any{"kind": string(poserr.KindOf(err)), "shared": shared})
		}
		log.WithError(err).Warn("on-demand rotation failed")
		return err
	}
	i.metric(ctx, alert.TypeRotationOK, t, map[string]any{"rotation_id": res.RotationID, "result": string(res.Result), "shared": shared})

	secret, _, err = i.secret(ctx, t)
	if err != nil {
		return err
	}
	err = call(ctx, secret)
	if err == nil {
		i.metric(ctx, alert.TypeRetrySucceeded, t, nil)
		return nil
	}
	i.metric(ctx, alert.TypeRetryFailed, t, map[string]any{"kind": string(poserr.KindOf(err))})
	switch poserr.KindOf(err) {
	case poserr.KindZombieToken, poserr.KindExpiredToken:
		log.WithError(err).Error("still unauthorized after rotation")
		return &poserr.AuthRetryExhaustedError{Provider: t.Provider, LocationID: t.LocationID, Last: err}
	}
	return err
}

// rotate is the shared body of a deduplicated rotation.  It runs detached
// from the caller that started it, so one caller giving up does not cancel
// the rotation for the others.
func (i *Interceptor) rotate(ctx context.Context, t Target, cred model.Credential) (rotation.Result, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.RotationTimeout)
	defer cancel()

	key := i.breakerKey(t)
	if breaker.Held(ctx, key) {
		// the caller holds this breaker and records the outcome
		i.metric(rctx, alert.TypeRotationAttempted, t, map[string]any{"held": true})
		return i.rotator.Rotate(rctx, i.request(t, cred))
	}
	d, err := i.breaker.Check(rctx, key)
	if err != nil {
		return rotation.Result{}, fmt.Errorf("breaker check: %w", err)
	}
	if !d.Allowed {
		ce := &poserr.CircuitOpenError{Provider: t.Provider, LocationID: t.LocationID}
		if d.ResumeAt != nil {
			ce.ResumeAt = *d.ResumeAt
		}
		return rotation.Result{}, ce
	}

	i.metric(rctx, alert.TypeRotationAttempted, t, map[string]any{"test_mode": d.TestMode})
	res, err := i.rotator.Rotate(rctx, i.request(t, cred))
	if err != nil {
		if poserr.CountsAsBreakerFailure(err) {
			_, _ = i.breaker.RecordFailure(rctx, key)
		} else {
			_, _ = i.breaker.Release(rctx, key)
		}
		return res, err
	}
	_, _ = i.breaker.RecordSuccess(rctx, key)
	return res, nil
}

func (i *Interceptor) request(t Target, cred model.Credential) rotation.Request {
	return rotation.Request{
		RotationID: rotation.VersionID(t.LocationID, t.Provider, cred.SecretRef),
		LocationID: t.LocationID,
		Provider:   t.Provider,
		SecretRef:  cred.SecretRef,
	}
}

func (i *Interceptor) breakerKey(t Target) breaker.Key {
	if i.cfg.LocationScoped {
		return breaker.Location(t.Provider, t.LocationID)
	}
	return breaker.Global(t.Provider)
}

func (i *Interceptor) secret(ctx context.Context, t Target) (string, model.Credential, error) {
	cred, err := i.creds.Get(ctx, t.LocationID, t.Provider)
	if err != nil {
		return "", model.Credential{}, fmt.Errorf("load credential %s/%s: %w", t.Provider, t.LocationID, err)
	}
	plain, err := i.keys.Open(cred.SecretRef)
	if err != nil {
		return "", cred, &poserr.DecryptError{LocationID: t.LocationID, Err: err}
	}
	return plain, cred, nil
}

func (i *Interceptor) metric(ctx context.Context, typ string, t Target, fields map[string]any) {
	ev := alert.Metric(typ, t.Provider, t.LocationID, fields)
	ev.TenantID = t.TenantID
	alert.Send(ctx, i.events, i.log, ev)
}

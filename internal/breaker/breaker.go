// Package breaker implements the per-provider (optionally per-location)
// circuit breaker.  State lives in an external Store so that every process
// sees the same breaker; the transition rules are pure functions applied
// inside Store.Mutate, which the store executes atomically.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/model"
)

// Key addresses one breaker.  An empty LocationID is the provider-wide scope.
type Key struct {
	Provider   string
	LocationID string
}

// Global returns the provider-wide key.
func Global(provider string) Key { return Key{Provider: provider} }

// Location returns a key narrowed to one location.
func Location(provider, locationID string) Key {
	return Key{Provider: provider, LocationID: locationID}
}

func (k Key) String() string {
	if k.LocationID == "" {
		return k.Provider
	}
	return k.Provider + "/" + k.LocationID
}

// Decision is the result of Check.
type Decision struct {
	Allowed  bool
	State    model.BreakerStateName
	ResumeAt *time.Time
	// TestMode is set while half-open: the caller should try a single unit
	// of work instead of a full batch.
	TestMode bool
}

// Store persists breaker state.  Mutate loads the state for key (a closed,
// zero state when none exists), applies fn and saves the result as one
// atomic step, returning the saved state.
type Store interface {
	Mutate(ctx context.Context, key Key, fn func(s *model.BreakerState)) (model.BreakerState, error)
}

// Gate is the part of Breaker that callers guarding work depend on.
type Gate interface {
	Check(ctx context.Context, key Key) (Decision, error)
	RecordSuccess(ctx context.Context, key Key) (model.BreakerState, error)
	RecordFailure(ctx context.Context, key Key) (model.BreakerState, error)
	Release(ctx context.Context, key Key) (model.BreakerState, error)
}

// Breaker evaluates and records outcomes against a Store.
type Breaker struct {
	store  Store
	policy Policy
	now    func() time.Time
	events alert.Emitter
	log    *logrus.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// WithEmitter sets where state transitions are reported.
func WithEmitter(e alert.Emitter) Option { return func(b *Breaker) { b.events = e } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option { return func(b *Breaker) { b.log = l } }

// New returns a Breaker over store.
func New(store Store, policy Policy, opts ...Option) *Breaker {
	b := &Breaker{
		store:  store,
		policy: policy.normalized(),
		now:    time.Now,
		events: alert.Nop,
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Policy returns the effective policy.
func (b *Breaker) Policy() Policy { return b.policy }

// Check reports whether an attempt may proceed.  While half-open each
// allowed Check consumes one trial.
func (b *Breaker) Check(ctx context.Context, key Key) (Decision, error) {
	var (
		d    Decision
		from model.BreakerStateName
	)
	now := b.now().UTC()
	st, err := b.store.Mutate(ctx, key, func(s *model.BreakerState) {
		from = s.State
		d = b.policy.check(s, now)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("breaker check %s: %w", key, err)
	}
	b.transitioned(ctx, key, from, st)
	return d, nil
}

// RecordSuccess records a successful attempt and returns the new state.
func (b *Breaker) RecordSuccess(ctx context.Context, key Key) (model.BreakerState, error) {
	return b.record(ctx, key, b.policy.success)
}

// RecordFailure records a failed attempt and returns the new state.
func (b *Breaker) RecordFailure(ctx context.Context, key Key) (model.BreakerState, error) {
	return b.record(ctx, key, b.policy.failure)
}

// Release hands back a trial taken by Check without recording an outcome,
// for attempts that ended in an error which is not a breaker failure.
func (b *Breaker) Release(ctx context.Context, key Key) (model.BreakerState, error) {
	return b.record(ctx, key, b.policy.release)
}

func (b *Breaker) record(ctx context.Context, key Key, apply func(*model.BreakerState, time.Time)) (model.BreakerState, error) {
	var from model.BreakerStateName
	now := b.now().UTC()
	st, err := b.store.Mutate(ctx, key, func(s *model.BreakerState) {
		from = s.State
		apply(s, now)
	})
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("breaker record %s: %w", key, err)
	}
	b.transitioned(ctx, key, from, st)
	return st, nil
}

func (b *Breaker) transitioned(ctx context.Context, key Key, from model.BreakerStateName, st model.BreakerState) {
	if from == "" {
		from = model.BreakerClosed
	}
	if from == st.State {
		return
	}
	var ev alert.Event
	switch st.State {
	case model.BreakerOpen:
		ev = alert.Alert(alert.TypeBreakerOpened, alert.SeverityCritical, key.Provider, key.LocationID,
			fmt.Sprintf("circuit breaker %s opened after %d failures", key, st.Failures))
		if st.ResumeAt != nil {
			ev.Fields = map[string]any{"resume_at": st.ResumeAt.Format(time.RFC3339), "failures": st.Failures}
		}
	case model.BreakerHalfOpen:
		ev = alert.Alert(alert.TypeBreakerHalfOpen, alert.SeverityWarning, key.Provider, key.LocationID,
			fmt.Sprintf("circuit breaker %s half-open, allowing trial", key))
	default:
		ev = alert.Alert(alert.TypeBreakerClosed, alert.SeverityInfo, key.Provider, key.LocationID,
			fmt.Sprintf("circuit breaker %s closed", key))
	}
	b.log.WithFields(logrus.Fields{
		"provider":    key.Provider,
		"location_id": key.LocationID,
		"from":        from,
		"to":          st.State,
	}).Info("circuit breaker transition")
	alert.Send(ctx, b.events, b.log, ev)
}

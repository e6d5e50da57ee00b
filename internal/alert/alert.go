// Package alert defines the structured events the credential and sync engine
// hands to the external alert/metrics pipeline, plus the small set of
// emitters used to deliver them: a logrus sink, a fan-out, and a suppressing
// wrapper that drops repeated alerts for the same type and location within a
// cooldown window.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Category separates human-facing alerts from plain metrics.  Only alerts
// are subject to suppression.
type Category string

const (
	CategoryAlert  Category = "alert"
	CategoryMetric Category = "metric"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event types.
const (
	TypeBreakerOpened   = "breaker.opened"
	TypeBreakerHalfOpen = "breaker.half_open"
	TypeBreakerClosed   = "breaker.closed"

	TypeRotationAttempt   = "rotation.attempt"
	TypeRotationSucceeded = "rotation.succeeded"
	TypeRotationNoop      = "rotation.idempotent_noop"
	TypeRotationFailed    = "rotation.failed"
	TypeDecryptError      = "rotation.decrypt_error"
	TypeRotationJobHalted = "rotation.job_halted"

	TypeUnauthorized      = "interceptor.unauthorized"
	TypeZombieToken       = "interceptor.zombie"
	TypeRotationAttempted = "interceptor.rotation_attempted"
	TypeRotationOK        = "interceptor.rotation_succeeded"
	TypeRotationError     = "interceptor.rotation_failed"
	TypeRetrySucceeded    = "interceptor.retry_succeeded"
	TypeRetryFailed       = "interceptor.retry_failed"

	TypeSyncFailed         = "sync.failed"
	TypeCredentialFailing  = "credential.failing"
	TypeCredentialInvalid  = "credential.invalid"
	TypeCredentialVerified = "credential.verified"
)

// Event is one structured occurrence.
type Event struct {
	Type       string         `json:"type"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	TenantID   string         `json:"tenant_id,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Message    string         `json:"message,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Metric builds a metric event.
func Metric(typ, provider, locationID string, fields map[string]any) Event {
	return Event{Type: typ, Category: CategoryMetric, Severity: SeverityInfo, Provider: provider, LocationID: locationID, Fields: fields}
}

// Alert builds an alert event.
func Alert(typ string, sev Severity, provider, locationID, msg string) Event {
	return Event{Type: typ, Category: CategoryAlert, Severity: sev, Provider: provider, LocationID: locationID, Message: msg}
}

// Emitter delivers events.  Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// LogEmitter writes events as structured logrus entries.
type LogEmitter struct{ Log *logrus.Logger }

func (l LogEmitter) Emit(_ context.Context, ev Event) error {
	if l.Log == nil {
		return nil
	}
	entry := l.Log.WithFields(logrus.Fields{
		"event":       ev.Type,
		"category":    ev.Category,
		"severity":    ev.Severity,
		"provider":    ev.Provider,
		"location_id": ev.LocationID,
	})
	if ev.TenantID != "" {
		entry = entry.WithField("tenant_id", ev.TenantID)
	}
	for k, v := range ev.Fields {
		entry = entry.WithField(k, v)
	}
	msg := ev.Message
	if msg == "" {
		msg = ev.Type
	}
	switch ev.Severity {
	case SeverityCritical:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// Fanout delivers to every emitter and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range f {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send stamps the event time and emits it, logging instead of returning
// delivery failures.  Event delivery never fails the operation it describes.
func Send(ctx context.Context, em Emitter, log *logrus.Logger, ev Event) {
	if em == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := em.Emit(ctx, ev); err != nil && log != nil {
		log.WithFields(logrus.Fields{"event": ev.Type, "location_id": ev.LocationID}).
			Warnf("emit event failed: %v", err)
	}
}

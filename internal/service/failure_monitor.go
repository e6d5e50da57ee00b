package service

import (
	"context"
	"fmt"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/model"
)

// DefaultFailureThreshold is the consecutive failure count that raises an alert.
const DefaultFailureThreshold = 3

// FailingLister lists credentials whose consecutive failures reach a threshold.
type FailingLister interface {
	ListFailing(ctx context.Context, atLeast int) ([]model.Credential, error)
}

// FailingCredential is one entry of a FailureReport.
type FailingCredential struct {
	TenantID            string `json:"tenant_id"`
	LocationID          string `json:"location_id"`
	Provider            string `json:"provider"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// FailureReport summarizes one monitor pass.
type FailureReport struct {
	Threshold   int                 `json:"threshold"`
	Alerted     int                 `json:"alerted"`
	Credentials []FailingCredential `json:"credentials"`
}

// FailureMonitor forwards credentials that keep failing to the alert emitter.
type FailureMonitor struct {
	base
	creds     FailingLister
	threshold int
}

// NewFailureMonitor returns a monitor alerting at threshold consecutive failures.
func NewFailureMonitor(creds FailingLister, threshold int, opts ...Option) *FailureMonitor {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &FailureMonitor{base: newBase(opts), creds: creds, threshold: threshold}
}

func (m *FailureMonitor) Run(ctx context.Context) (FailureReport, error) {
	rep := FailureReport{Threshold: m.threshold, Credentials: []FailingCredential{}}
	creds, err := m.creds.ListFailing(ctx, m.threshold)
	if err != nil {
		return rep, fmt.Errorf("list failing credentials: %w", err)
	}
	for _, c := range creds {
		rep.Credentials = append(rep.Credentials, FailingCredential{
			TenantID:            c.TenantID,
			LocationID:          c.LocationID,
			Provider:            c.Provider,
			Status:              string(c.Status),
			ConsecutiveFailures: c.ConsecutiveFailures,
		})
		sev := alert.SeverityWarning
		if c.Status == model.CredentialInvalid || c.ConsecutiveFailures >= 2*m.threshold {
			sev = alert.SeverityCritical
		}
		ev := alert.Alert(alert.TypeCredentialFailing, sev, c.Provider, c.LocationID,
			fmt.Sprintf("credential failed %d times in a row", c.ConsecutiveFailures))
		ev.TenantID = c.TenantID
		ev.Fields = map[string]any{"consecutive_failures": c.ConsecutiveFailures, "status": string(c.Status)}
		if err := m.events.Emit(ctx, ev); err != nil {
			m.log.WithError(err).WithField("location_id", c.LocationID).Warn("emit failing credential alert")
			continue
		}
		rep.Alerted++
	}
	return rep, nil
}

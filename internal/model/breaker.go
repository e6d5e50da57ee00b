package model

import "time"

// BreakerStateName is the state of a circuit breaker.
type BreakerStateName string

const (
	BreakerClosed   BreakerStateName = "closed"
	BreakerOpen     BreakerStateName = "open"
	BreakerHalfOpen BreakerStateName = "half_open"
)

// BreakerState is the persisted state of one circuit breaker.  LocationID is
// empty for the provider-wide breaker.  It is only ever changed through the
// breaker package, never written directly by callers.
type BreakerState struct {
	Provider   string           `json:"provider"`    // circuit_breakers.provider
	LocationID string           `json:"location_id"` // circuit_breakers.location_id ("" = global)
	State      BreakerStateName `json:"state"`       // circuit_breakers.state
	Failures   int              `json:"failures"`    // circuit_breakers.failures
	Threshold  int              `json:"threshold"`   // circuit_breakers.threshold
	Trials     int              `json:"trials"`      // circuit_breakers.trials (half-open attempts handed out)
	Successes  int              `json:"successes"`   // circuit_breakers.successes (half-open successes)
	Reopens    int              `json:"reopens"`     // circuit_breakers.reopens (consecutive half-open failures)
	OpenedAt   *time.Time       `json:"opened_at"`   // circuit_breakers.opened_at (nullable)
	ResumeAt   *time.Time       `json:"resume_at"`   // circuit_breakers.resume_at (nullable)
	// TrialStartedAt is when the latest half-open trial was handed out;
	// circuit_breakers.trial_started_at (nullable)
	TrialStartedAt *time.Time `json:"trial_started_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"` // circuit_breakers.updated_at
}

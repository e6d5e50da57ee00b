package model

import "time"

// SyncStatus is the final status of one sync invocation.
type SyncStatus string

const (
	SyncRunning SyncStatus = "running"
	SyncOK      SyncStatus = "ok"
	SyncSkipped SyncStatus = "skipped"
	SyncError   SyncStatus = "error"
)

// Skip reasons recorded on skipped runs.
const (
	SkipBackoff            = "backoff"
	SkipInvalidCredentials = "invalid_credentials"
	SkipCircuitOpen        = "circuit_open"
	SkipNoCredentials      = "no_credentials"
)

// SyncRun is kept for operational visibility only; it never gates a later
// sync (the breaker and the credential status do).
type SyncRun struct {
	RunID      string     `json:"run_id"`      // sync_runs.run_id
	TenantID   string     `json:"tenant_id"`   // sync_runs.tenant_id
	LocationID string     `json:"location_id"` // sync_runs.location_id
	Provider   string     `json:"provider"`    // sync_runs.provider
	From       time.Time  `json:"from"`        // sync_runs.window_from
	To         time.Time  `json:"to"`          // sync_runs.window_to
	ItemCount  int        `json:"item_count"`  // sync_runs.item_count (sales fetched)
	Attempts   int        `json:"attempts"`    // sync_runs.attempts
	Status     SyncStatus `json:"status"`      // sync_runs.status
	SkipReason string     `json:"skip_reason"` // sync_runs.skip_reason
	Error      string     `json:"error"`       // sync_runs.error
	StartedAt  time.Time  `json:"started_at"`  // sync_runs.started_at
	FinishedAt *time.Time `json:"finished_at"` // sync_runs.finished_at (nullable)
}

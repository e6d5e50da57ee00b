package model

import "time"

// RotationResult is the outcome of one rotation invocation.
type RotationResult string

const (
	RotationRotated        RotationResult = "rotated"
	RotationIdempotentNoop RotationResult = "idempotent_noop"
	RotationFailed         RotationResult = "failed"
)

// RotationAttempt records one rotation invocation keyed by its caller
// supplied rotation id.  Replaying a rotation id whose attempt completed
// returns the stored outcome instead of rotating a second time.
type RotationAttempt struct {
	RotationID   string         // rotation_attempts.rotation_id (unique)
	LocationID   string         // rotation_attempts.location_id
	Provider     string         // rotation_attempts.provider
	StartedAt    time.Time      // rotation_attempts.started_at
	Result       RotationResult // rotation_attempts.result
	Error        string         // rotation_attempts.error
	NewExpiresAt *time.Time     // rotation_attempts.new_expires_at (nullable)
}

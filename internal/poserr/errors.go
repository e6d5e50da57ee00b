// Package poserr defines the closed set of failures that can occur while
// talking to a POS provider or rotating its credentials.  Each variant is its
// own type carrying only the fields that matter for it; KindOf maps any error
// (wrapped or not) back to its variant so callers can switch exhaustively.
package poserr

import (
	"errors"
	"fmt"
	"time"
)

// Kind names an error variant.
type Kind string

const (
	KindNone                Kind = ""
	KindZombieToken         Kind = "zombie_token"
	KindExpiredToken        Kind = "expired_token"
	KindCircuitOpen         Kind = "circuit_open"
	KindProviderUnreachable Kind = "provider_unreachable"
	KindProviderRejected    Kind = "provider_rejected"
	KindPermissionDenied    Kind = "permission_denied"
	KindDecryptError        Kind = "decrypt_error"
	KindValidationFailed    Kind = "validation_failed"
	KindAuthRetryExhausted  Kind = "auth_retry_exhausted"
	KindUnknown             Kind = "unknown"
)

// ZombieTokenError is a 401 without any expiry hint: the credential is wrong,
// not stale, and neither rotation nor retry will help.
type ZombieTokenError struct {
	Provider   string
	LocationID string
}

func (e *ZombieTokenError) Error() string {
	return fmt.Sprintf("zombie token: provider=%s location=%s", e.Provider, e.LocationID)
}

// ExpiredTokenError is a 401 carrying the provider's expired/invalid token hint.
type ExpiredTokenError struct {
	Provider   string
	LocationID string
	Hint       string
}

func (e *ExpiredTokenError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("expired token: provider=%s location=%s (%s)", e.Provider, e.LocationID, e.Hint)
	}
	return fmt.Sprintf("expired token: provider=%s location=%s", e.Provider, e.LocationID)
}

// CircuitOpenError is returned when the breaker refuses an attempt.
type CircuitOpenError struct {
	Provider   string
	LocationID string
	ResumeAt   time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.ResumeAt.IsZero() {
		return fmt.Sprintf("circuit open: provider=%s", e.Provider)
	}
	return fmt.Sprintf("circuit open: provider=%s resume_at=%s", e.Provider, e.ResumeAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long until the breaker lets a trial through.
func (e *CircuitOpenError) RetryAfter(now time.Time) time.Duration {
	if e.ResumeAt.IsZero() || !e.ResumeAt.After(now) {
		return 0
	}
	return e.ResumeAt.Sub(now)
}

// UnreachableError covers network failures, timeouts, 5xx and 429 responses.
type UnreachableError struct {
	Provider   string
	Op         string
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *UnreachableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s unreachable during %s: status %d", e.Provider, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("provider %s unreachable during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RejectedError is a 4xx the provider will keep returning for this request.
type RejectedError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider %s rejected %s: status %d %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

// PermissionDeniedError is a 403: the token is valid but lacks scope.
type PermissionDeniedError struct {
	Provider string
	Op       string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("provider %s denied %s", e.Provider, e.Op)
}

// DecryptError means the stored secret envelope could not be opened.
type DecryptError struct {
	LocationID string
	Err        error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt secret for location %s: %v", e.LocationID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// ValidationFailedError means a freshly issued credential did not pass the
// provider's whoami check.  The store is left untouched.
type ValidationFailedError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation of new %s credential failed: %s", e.Provider, e.Reason)
}

func (e *ValidationFailedError) Unwrap() error { return e.Err }

// AuthRetryExhaustedError is a second 401 after a successful rotation.
type AuthRetryExhaustedError struct {
	Provider   string
	LocationID string
	Last       error
}

func (e *AuthRetryExhaustedError) Error() string {
	return fmt.Sprintf("auth retry exhausted: provider=%s location=%s: %v", e.Provider, e.LocationID, e.Last)
}

func (e *AuthRetryExhaustedError) Unwrap() error { return e.Last }

// KindOf reports which variant err is.  nil maps to KindNone and anything
// outside the taxonomy to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		zombie    *ZombieTokenError
		expired   *ExpiredTokenError
		open      *CircuitOpenError
		down      *UnreachableError
		rejected  *RejectedError
		denied    *PermissionDeniedError
		decrypt   *DecryptError
		invalid   *ValidationFailedError
		exhausted *AuthRetryExhaustedError
	)
	// AuthRetryExhausted wraps the final 401, so it is matched first.
	switch {
	case errors.As(err, &exhausted):
		return KindAuthRetryExhausted
	case errors.As(err, &zombie):
		return KindZombieToken
	case errors.As(err, &expired):
		return KindExpiredToken
	case errors.As(err, &open):
		return KindCircuitOpen
	case errors.As(err, &down):
		return KindProviderUnreachable
	case errors.As(err, &rejected):
		return KindProviderRejected
	case errors.As(err, &denied):
		return KindPermissionDenied
	case errors.As(err, &decrypt):
		return KindDecryptError
	case errors.As(err, &invalid):
		return KindValidationFailed
	}
	return KindUnknown
}

// Retryable reports whether a backoff loop should try again after err.
// Unknown errors are retried; every fatal variant is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnreachable, KindUnknown:
		return true
	}
	return false
}

// CountsAsBreakerFailure reports whether err should be fed to the circuit
// breaker as a failure.  Rejections and permission problems are caller
// mistakes, not signs of a failing provider.
func CountsAsBreakerFailure(err error) bool {
	switch KindOf(err) {
	case KindProviderUnreachable, KindValidationFailed, KindUnknown:
		return true
	}
	return false
}

// Fatal reports whether err must be surfaced to an operator immediately.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindDecryptError, KindZombieToken, KindAuthRetryExhausted:
		return true
	}
	return false
}

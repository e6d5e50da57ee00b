package model

import "time"

// CredentialStatus is the lifecycle state of a stored POS credential.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialInvalid  CredentialStatus = "invalid"
	CredentialRotating CredentialStatus = "rotating"
)

// Credential is the sealed access credential of one location for one POS
// provider.  There is at most one row per (location, provider).  Rows are
// never deleted; a credential that fails verification definitively is marked
// invalid instead.
//
// Fields:
//
//	SecretRef             – sealed secret envelope, opened only by utils.Keyring.
//	LastRotationAttemptAt – stamped by leasing; nil when never attempted.
//	ConsecutiveFailures   – reset by a successful rotation.
type Credential struct {
	ID                    uint64           // pos_credentials.id
	TenantID              string           // pos_credentials.tenant_id
	LocationID            string           // pos_credentials.location_id
	Provider              string           // pos_credentials.provider
	SecretRef             string           // pos_credentials.secret_ref
	Status                CredentialStatus // pos_credentials.status
	ExpiresAt             time.Time        // pos_credentials.expires_at
	LastRotationAttemptAt *time.Time       // pos_credentials.last_rotation_attempt_at (nullable)
	ConsecutiveFailures   int              // pos_credentials.consecutive_failures
	LastVerifiedAt        *time.Time       // pos_credentials.last_verified_at (nullable)
	CreatedAt             time.Time        // pos_credentials.created_at
	UpdatedAt             time.Time        // pos_credentials.updated_at
}

// Attempted reports whether a rotation was ever attempted for the credential.
func (c Credential) Attempted() bool { return c.LastRotationAttemptAt != nil }

// Connection identifies one tenant/location/provider triple that syncs sales.
type Connection struct {
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	Provider   string `json:"provider"`
}

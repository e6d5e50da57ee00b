package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/model"
)

// Lease defaults.
const (
	DefaultLeaseLimit    = 50
	DefaultLeaseCooldown = 4 * time.Hour
	DefaultLeaseWindow   = 72 * time.Hour
)

const credentialCols = `id, tenant_id, location_id, provider, secret_ref, status, expires_at,
	last_rotation_attempt_at, consecutive_failures, last_verified_at, created_at, updated_at`

// CredentialRepo reads and writes sealed POS credentials and the rotation
// attempts recorded against them.
type CredentialRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
	// Now is the clock used for stamps; UTC time.Now when nil.
	Now func() time.Time
}

// NewCredentialRepo returns a credential repository for dialect d.
func NewCredentialRepo(db *sql.DB, d database.Dialect) *CredentialRepo {
	return &CredentialRepo{DB: db, Dialect: d}
}

func (r *CredentialRepo) now() time.Time {
	if r.Now != nil {
		return stamp(r.Now())
	}
	return stamp(time.Now())
}

// stamp normalizes a time to what DATETIME(6) keeps.
func stamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(s rowScanner) (model.Credential, error) {
	var (
		c                    model.Credential
		status               string
		lastAttempt, lastVer sql.NullTime
	)
	err := s.Scan(&c.ID, &c.TenantID, &c.LocationID, &c.Provider, &c.SecretRef, &status, &c.ExpiresAt,
		&lastAttempt, &c.ConsecutiveFailures, &lastVer, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Credential{}, err
	}
	c.Status = model.CredentialStatus(status)
	c.ExpiresAt = c.ExpiresAt.UTC()
	if lastAttempt.Valid {
		t := lastAttempt.Time.UTC()
		c.LastRotationAttemptAt = &t
	}
	if lastVer.Valid {
		t := lastVer.Time.UTC()
		c.LastVerifiedAt = &t
	}
	return c, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

// Create stores a newly connected credential.  A second credential for the
// same location and provider yields ErrConflict.
func (r *CredentialRepo) Create(ctx context.Context, c *model.Credential) error {
	now := r.now()
	if c.Status == "" {
		c.Status = model.CredentialActive
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO pos_credentials (tenant_id, location_id, provider, secret_ref, status, expires_at,
			last_rotation_attempt_at, consecutive_failures, last_verified_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.TenantID, c.LocationID, c.Provider, c.SecretRef, string(c.Status), stamp(c.ExpiresAt),
		nullTime(c.LastRotationAttemptAt), c.ConsecutiveFailures, nullTime(c.LastVerifiedAt), now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = uint64(id)
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// Get returns the credential of one location for one provider.
func (r *CredentialRepo) Get(ctx context.Context, locationID, provider string) (model.Credential, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+credentialCols+" FROM pos_credentials WHERE location_id=? AND provider=? LIMIT 1",
		locationID, provider)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, ErrNotFound
	}
	return c, err
}

// LeaseOptions parameterize LeaseCandidates.  Zero values take the defaults.
type LeaseOptions struct {
	Provider string // empty leases across providers
	Limit    int
	Cooldown time.Duration // attempts newer than this exclude a credential
	Window   time.Duration // how far ahead of expiry a credential becomes a candidate
	Now      time.Time
}

func (o LeaseOptions) withDefaults() LeaseOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLeaseLimit
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultLeaseCooldown
	}
	if o.Window <= 0 {
		o.Window = DefaultLeaseWindow
	}
	return o
}

// LeaseCandidates selects up to Limit active credentials that expire within
// Window and were not attempted within Cooldown, most urgent first, and
// stamps their last_rotation_attempt_at in the same transaction.
//
// The stamp is a guarded UPDATE that only matches while the row is still
// eligible.  On MySQL the SELECT additionally skips rows locked by a
// concurrent lease, so concurrent callers wait on nothing and never receive
// the same row; where row locks are unavailable the guard alone keeps the
// result sets disjoint.
func (r *CredentialRepo) LeaseCandidates(ctx context.Context, opts LeaseOptions) ([]model.Credential, error) {
	opts = opts.withDefaults()
	now := r.now()
	if !opts.Now.IsZero() {
		now = stamp(opts.Now)
	}
	horizon := now.Add(opts.Window)
	cutoff := now.Add(-opts.Cooldown)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := "SELECT " + credentialCols + ` FROM pos_credentials
		WHERE status = ? AND expires_at <= ?
		  AND (last_rotation_attempt_at IS NULL OR last_rotation_attempt_at < ?)`
	args := []any{string(model.CredentialActive), horizon, cutoff}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	q += `
		ORDER BY expires_at ASC, (last_rotation_attempt_at IS NULL) DESC, last_rotation_attempt_at ASC, id ASC
		LIMIT ?` + r.Dialect.LockRows
	rows, err := tx.QueryContext(ctx, q, append(args, opts.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("lease select: %w", err)
	}
	var picked []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		picked = append(picked, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leased := make([]model.Credential, 0, len(picked))
	for _, c := range picked {
		res, err := tx.ExecContext(ctx,
			`UPDATE pos_credentials SET last_rotation_attempt_at=?, updated_at=?
			WHERE id=? AND status=? AND (last_rotation_attempt_at IS NULL OR last_rotation_attempt_at < ?)`,
			now, now, c.ID, string(model.CredentialActive), cutoff)
		if err != nil {
			return nil, fmt.Errorf("lease stamp %d: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 1 {
			continue
		}
		t := now
		c.LastRotationAttemptAt = &t
		c.UpdatedAt = now
		leased = append(leased, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease commit: %w", err)
	}
	return leased, nil
}

// GetExpiring lists credentials expiring within daysAhead days (already
// expired ones included).  An empty tenantID lists all tenants.
func (r *CredentialRepo) GetExpiring(ctx context.Context, tenantID string, daysAhead int) ([]model.Credential, error) {
	if daysAhead < 0 {
		daysAhead = 0
	}
	horizon := r.now().Add(time.Duration(daysAhead) * 24 * time.Hour)
	q := "SELECT " + credentialCols + " FROM pos_credentials WHERE expires_at <= ?"
	args := []any{horizon}
	if tenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	return r.list(ctx, q+" ORDER BY expires_at ASC, id ASC", args...)
}

// ListConnected returns every connected location/provider pair, invalid
// ones included so that sync-daily can report them as skipped.
func (r *CredentialRepo) ListConnected(ctx context.Context) ([]model.Connection, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT tenant_id, location_id, provider FROM pos_credentials ORDER BY tenant_id, location_id, provider")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Connection
	for rows.Next() {
		var c model.Connection
		if err := rows.Scan(&c.TenantID, &c.LocationID, &c.Provider); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListFailing returns credentials whose consecutive failure count reached atLeast.
func (r *CredentialRepo) ListFailing(ctx context.Context, atLeast int) ([]model.Credential, error) {
	return r.list(ctx,
		"SELECT "+credentialCols+" FROM pos_credentials WHERE consecutive_failures >= ? ORDER BY consecutive_failures DESC, id ASC",
		atLeast)
}

func (r *CredentialRepo) list(ctx context.Context, q string, args ...any) ([]model.Credential, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reconnect replaces the secret of an existing credential with a freshly
// issued one and makes it active again: failures are cleared and the last
// rotation attempt is forgotten, so sync and leasing pick it up at once.
// c.TenantID must own the row, otherwise ErrForbidden; a missing row is
// ErrNotFound.  On success c is reloaded from the store.
func (r *CredentialRepo) Reconnect(ctx context.Context, c *model.Credential) error {
	now := r.now()
	res, err := r.DB.ExecContext(ctx,
		`UPDATE pos_credentials SET secret_ref=?, expires_at=?, status=?, consecutive_failures=0,
			last_rotation_attempt_at=NULL, updated_at=?
		WHERE location_id=? AND provider=? AND tenant_id=?`,
		c.SecretRef, stamp(c.ExpiresAt), string(model.CredentialActive), now, c.LocationID, c.Provider, c.TenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	got, err := r.Get(ctx, c.LocationID, c.Provider)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrForbidden
	}
	*c = got
	return nil
}

// MarkInvalid flags a credential as definitively unusable.
func (r *CredentialRepo) MarkInvalid(ctx context.Context, locationID, provider string) error {
	now := r.now()
	return r.exec(ctx,
		"UPDATE pos_credentials SET status=?, last_verified_at=?, updated_at=? WHERE location_id=? AND provider=?",
		string(model.CredentialInvalid), now, now, locationID, provider)
}

// MarkVerified records a successful validation and reactivates the credential.
func (r *CredentialRepo) MarkVerified(ctx context.Context, locationID, provider string) error {
	now := r.now()
	return r.exec(ctx,
		"UPDATE pos_credentials SET status=?, last_verified_at=?, updated_at=? WHERE location_id=? AND provider=?",
		string(model.CredentialActive), now, now, locationID, provider)
}

func (r *CredentialRepo) exec(ctx context.Context, q string, args ...any) error {
	return execOne(ctx, r.DB, q, args...)
}

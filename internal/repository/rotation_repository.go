package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/poscred/internal/model"
)

// SwapParams describe a validated rotation ready to be committed.
type SwapParams struct {
	RotationID string
	LocationID string
	Provider   string
	// PrevSecretRef is the secret the rotation started from.  When set the
	// swap only applies while the stored secret still equals it.
	PrevSecretRef string
	NewSecretRef  string
	NewExpiresAt  time.Time
	StartedAt     time.Time
}

// SwapResult reports the outcome of SwapRotated.  When Idempotent is set the
// credential was left untouched and ExpiresAt is the expiry already stored:
// either by the earlier rotation with the same id or, when Superseded is
// set, by another writer that replaced PrevSecretRef first.
type SwapResult struct {
	Idempotent bool
	Superseded bool
	ExpiresAt  time.Time
}

const rotationCols = "rotation_id, location_id, provider, started_at, result, error, new_expires_at"

func scanRotation(s rowScanner) (model.RotationAttempt, error) {
	var (
		a       model.RotationAttempt
		result  string
		errText sql.NullString
		newExp  sql.NullTime
	)
	if err := s.Scan(&a.RotationID, &a.LocationID, &a.Provider, &a.StartedAt, &result, &errText, &newExp); err != nil {
		return model.RotationAttempt{}, err
	}
	a.StartedAt = a.StartedAt.UTC()
	a.Result = model.RotationResult(result)
	a.Error = errText.String
	if newExp.Valid {
		t := newExp.Time.UTC()
		a.NewExpiresAt = &t
	}
	return a, nil
}

// FindRotation returns the attempt recorded under rotationID.
func (r *CredentialRepo) FindRotation(ctx context.Context, rotationID string) (model.RotationAttempt, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+rotationCols+" FROM rotation_attempts WHERE rotation_id=?", rotationID)
	a, err := scanRotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RotationAttempt{}, ErrNotFound
	}
	return a, err
}

// SwapRotated commits a rotation: it records the rotation id as rotated and
// replaces the credential's secret and expiry in one transaction.  If the id
// already completed (including a concurrent writer that got there first)
// nothing changes and the result is idempotent.  An earlier failed attempt
// under the same id is upgraded to rotated.
func (r *CredentialRepo) SwapRotated(ctx context.Context, p SwapParams) (SwapResult, error) {
	if prev, err := r.FindRotation(ctx, p.RotationID); err == nil {
		if prev.Result == model.RotationRotated {
			return completed(prev), nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return SwapResult{}, err
	}

	now := r.now()
	newExp := stamp(p.NewExpiresAt)
	started := p.StartedAt
	if started.IsZero() {
		started = now
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		r.Dialect.InsertIgnore+` INTO rotation_attempts (`+rotationCols+`) VALUES (?,?,?,?,?,NULL,?)`,
		p.RotationID, p.LocationID, p.Provider, stamp(started), string(model.RotationRotated), newExp)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap claim %s: %w", p.RotationID, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return SwapResult{}, err
	}
	if claimed == 0 {
		prev, err := scanRotation(tx.QueryRowContext(ctx,
			"SELECT "+rotationCols+" FROM rotation_attempts WHERE rotation_id=?"+r.Dialect.LockRow, p.RotationID))
		if err != nil {
			return SwapResult{}, fmt.Errorf("swap reread %s: %w", p.RotationID, err)
		}
		if prev.Result == model.RotationRotated {
			return completed(prev), nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE rotation_attempts SET result=?, error=NULL, new_expires_at=? WHERE rotation_id=?",
			string(model.RotationRotated), newExp, p.RotationID); err != nil {
			return SwapResult{}, fmt.Errorf("swap upgrade %s: %w", p.RotationID, err)
		}
	}

	q := `UPDATE pos_credentials SET secret_ref=?, expires_at=?, status=?, consecutive_failures=0, updated_at=?
		WHERE location_id=? AND provider=?`
	args := []any{p.NewSecretRef, newExp, string(model.CredentialActive), now, p.LocationID, p.Provider}
	if p.PrevSecretRef != "" {
		q += " AND secret_ref=?"
		args = append(args, p.PrevSecretRef)
	}
	res, err = tx.ExecContext(ctx, q, args...)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap credential: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return SwapResult{}, err
	} else if n == 0 {
		// the claim above is rolled back with the rest of the transaction
		var current time.Time
		err := tx.QueryRowContext(ctx,
			"SELECT expires_at FROM pos_credentials WHERE location_id=? AND provider=?",
			p.LocationID, p.Provider).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return SwapResult{}, ErrNotFound
		}
		if err != nil {
			return SwapResult{}, fmt.Errorf("swap reread credential: %w", err)
		}
		return SwapResult{Idempotent: true, Superseded: true, ExpiresAt: current.UTC()}, nil
	}
	if err := tx.Commit(); err != nil {
		return SwapResult{}, fmt.Errorf("swap commit: %w", err)
	}
	return SwapResult{ExpiresAt: newExp}, nil
}

func completed(a model.RotationAttempt) SwapResult {
	out := SwapResult{Idempotent: true}
	if a.NewExpiresAt != nil {
		out.ExpiresAt = *a.NewExpiresAt
	}
	return out
}

// RotationFailure describes a rotation attempt that did not complete.
type RotationFailure struct {
	RotationID string
	LocationID string
	Provider   string
	StartedAt  time.Time
	Err        string
}

// RecordRotationFailure increments the credential's consecutive failure
// count and stores a failed attempt under the rotation id.  An attempt that
// already completed under that id is left as is.  It returns the new
// failure count.
func (r *CredentialRepo) RecordRotationFailure(ctx context.Context, f RotationFailure) (int, error) {
	now := r.now()
	started := f.StartedAt
	if started.IsZero() {
		started = now
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE pos_credentials SET consecutive_failures=consecutive_failures+1, updated_at=? WHERE location_id=? AND provider=?",
		now, f.LocationID, f.Provider); err != nil {
		return 0, err
	}
	var failures int
	err = tx.QueryRowContext(ctx,
		"SELECT consecutive_failures FROM pos_credentials WHERE location_id=? AND provider=?",
		f.LocationID, f.Provider).Scan(&failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if f.RotationID != "" {
		res, err := tx.ExecContext(ctx,
			r.Dialect.InsertIgnore+` INTO rotation_attempts (`+rotationCols+`) VALUES (?,?,?,?,?,?,NULL)`,
			f.RotationID, f.LocationID, f.Provider, stamp(started), string(model.RotationFailed), f.Err)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				"UPDATE rotation_attempts SET error=? WHERE rotation_id=? AND result=?",
				f.Err, f.RotationID, string(model.RotationFailed)); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return failures, nil
}

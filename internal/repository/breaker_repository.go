package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/model"
)

const breakerCols = "provider, location_id, state, failures, threshold, trials, successes, reopens, opened_at, resume_at, trial_started_at, updated_at"

// BreakerRepo stores circuit breaker state in the circuit_breakers table.
// It implements breaker.Store: every mutation runs in a transaction holding
// the breaker row lock, so processes sharing the database share one breaker.
type BreakerRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
}

// NewBreakerRepo returns a breaker state store backed by db.
func NewBreakerRepo(db *sql.DB, d database.Dialect) *BreakerRepo {
	return &BreakerRepo{DB: db, Dialect: d}
}

var _ breaker.Store = (*BreakerRepo)(nil)

// Mutate implements breaker.Store.
func (r *BreakerRepo) Mutate(ctx context.Context, key breaker.Key, fn func(s *model.BreakerState)) (model.BreakerState, error) {
	now := stamp(timeNow())
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.BreakerState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// make sure the row exists so that the locking read below always has
	// something to lock
	if _, err := tx.ExecContext(ctx,
		r.Dialect.InsertIgnore+" INTO circuit_breakers (provider, location_id, state, updated_at) VALUES (?,?,?,?)",
		key.Provider, key.LocationID, string(model.BreakerClosed), now); err != nil {
		return model.BreakerState{}, fmt.Errorf("breaker ensure %s: %w", key, err)
	}

	var (
		st               model.BreakerState
		state            string
		opened, resumeAt sql.NullTime
		trialStarted     sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT "+breakerCols+" FROM circuit_breakers WHERE provider=? AND location_id=?"+r.Dialect.LockRow,
		key.Provider, key.LocationID).Scan(&st.Provider, &st.LocationID, &state, &st.Failures, &st.Threshold,
		&st.Trials, &st.Successes, &st.Reopens, &opened, &resumeAt, &trialStarted, &st.UpdatedAt)
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("breaker load %s: %w", key, err)
	}
	st.State = model.BreakerStateName(state)
	if opened.Valid {
		t := opened.Time.UTC()
		st.OpenedAt = &t
	}
	if resumeAt.Valid {
		t := resumeAt.Time.UTC()
		st.ResumeAt = &t
	}
	if trialStarted.Valid {
		t := trialStarted.Time.UTC()
		st.TrialStartedAt = &t
	}

	fn(&st)
	st.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`UPDATE circuit_breakers SET state=?, failures=?, threshold=?, trials=?, successes=?, reopens=?,
			opened_at=?, resume_at=?, trial_started_at=?, updated_at=? WHERE provider=? AND location_id=?`,
		string(st.State), st.Failures, st.Threshold, st.Trials, st.Successes, st.Reopens,
		nullTime(st.OpenedAt), nullTime(st.ResumeAt), nullTime(st.TrialStartedAt), st.UpdatedAt, key.Provider, key.LocationID); err != nil {
		return model.BreakerState{}, fmt.Errorf("breaker save %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return model.BreakerState{}, err
	}
	return st, nil
}

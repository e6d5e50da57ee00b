package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/poscred/internal/model"
)

// SyncRunRepo records sync invocations for operational visibility.
type SyncRunRepo struct{ DB *sql.DB }

// NewSyncRunRepo returns a sync run repository.
func NewSyncRunRepo(db *sql.DB) *SyncRunRepo { return &SyncRunRepo{DB: db} }

// Start inserts the run in status running.
func (r *SyncRunRepo) Start(ctx context.Context, run *model.SyncRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = timeNow()
	}
	run.Status = model.SyncRunning
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, tenant_id, location_id, provider, window_from, window_to,
			item_count, attempts, status, skip_reason, error, started_at)
		VALUES (?,?,?,?,?,?,0,0,?,'',NULL,?)`,
		run.RunID, run.TenantID, run.LocationID, run.Provider, stamp(run.From), stamp(run.To),
		string(run.Status), stamp(run.StartedAt))
	return err
}

// Finish stores the final status, counts and error of the run.
func (r *SyncRunRepo) Finish(ctx context.Context, run *model.SyncRun) error {
	fin := timeNow()
	run.FinishedAt = &fin
	var errText any
	if run.Error != "" {
		errText = run.Error
	}
	return execOne(ctx, r.DB,
		`UPDATE sync_runs SET item_count=?, attempts=?, status=?, skip_reason=?, error=?, finished_at=?
		WHERE run_id=?`,
		run.ItemCount, run.Attempts, string(run.Status), run.SkipReason, errText, stamp(fin), run.RunID)
}

// Recent returns the latest runs of one location/provider, newest first.
func (r *SyncRunRepo) Recent(ctx context.Context, locationID, provider string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id, tenant_id, location_id, provider, window_from, window_to, item_count, attempts,
			status, skip_reason, error, started_at, finished_at
		FROM sync_runs WHERE location_id=? AND provider=? ORDER BY started_at DESC LIMIT ?`,
		locationID, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncRun
	for rows.Next() {
		var (
			s        model.SyncRun
			status   string
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&s.RunID, &s.TenantID, &s.LocationID, &s.Provider, &s.From, &s.To, &s.ItemCount,
			&s.Attempts, &status, &s.SkipReason, &errText, &s.StartedAt, &finished); err != nil {
			return nil, err
		}
		s.Status = model.SyncStatus(status)
		s.Error = errText.String
		s.From, s.To, s.StartedAt = s.From.UTC(), s.To.UTC(), s.StartedAt.UTC()
		if finished.Valid {
			t := finished.Time.UTC()
			s.FinishedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func execOne(ctx context.Context, db *sql.DB, q string, args ...any) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

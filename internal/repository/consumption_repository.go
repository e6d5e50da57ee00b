package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/model"
)

// ConsumptionRepo persists daily consumption records.  Writes are upserts on
// (tenant_id, location_id, provider, sale_date) so re-running a day replaces
// its record.
type ConsumptionRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
}

// NewConsumptionRepo returns a repository using the given SQL dialect.
func NewConsumptionRepo(db *sql.DB, d database.Dialect) *ConsumptionRepo {
	return &ConsumptionRepo{DB: db, Dialect: d}
}

// Upsert inserts the record or overwrites the stored one for the same day.
func (r *ConsumptionRepo) Upsert(ctx context.Context, rec model.ConsumptionRecord) error {
	var meta any
	if len(rec.Meta) > 0 {
		b, err := json.Marshal(rec.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = timeNow()
	}
	_, err := r.DB.ExecContext(ctx, r.Dialect.UpsertConsumption,
		rec.TenantID, rec.LocationID, rec.Provider, rec.Date,
		rec.Total, rec.Orders, rec.Items, rec.Discounts, rec.Taxes, meta, stamp(updated))
	return err
}

// Get returns the record of one day.
func (r *ConsumptionRepo) Get(ctx context.Context, tenantID, locationID, provider, date string) (model.ConsumptionRecord, error) {
	var (
		rec  model.ConsumptionRecord
		meta sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT tenant_id, location_id, provider, sale_date, total, orders, items, discounts, taxes, meta, updated_at
		FROM consumption_records WHERE tenant_id=? AND location_id=? AND provider=? AND sale_date=?`,
		tenantID, locationID, provider, date).Scan(&rec.TenantID, &rec.LocationID, &rec.Provider, &rec.Date,
		&rec.Total, &rec.Orders, &rec.Items, &rec.Discounts, &rec.Taxes, &meta, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConsumptionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ConsumptionRecord{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Meta); err != nil {
			return model.ConsumptionRecord{}, err
		}
	}
	return rec, nil
}

// Count returns how many rows exist for the key (0 or 1 given the unique key).
func (r *ConsumptionRepo) Count(ctx context.Context, tenantID, locationID, provider, date string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM consumption_records WHERE tenant_id=? AND location_id=? AND provider=? AND sale_date=?",
		tenantID, locationID, provider, date).Scan(&n)
	return n, err
}

var timeNow = func() time.Time { return time.Now().UTC() }

package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema_mysql.sql
var mysqlSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// Dialect captures the few statements that differ between the production
// MySQL store and the SQLite store used by tests.
type Dialect struct {
	Name string
	// LockRows is appended to SELECTs that claim rows inside a transaction.
	LockRows string
	// LockRow is appended to SELECTs that read one row for update.
	LockRow string
	// InsertIgnore starts an INSERT that silently skips duplicate keys.
	InsertIgnore string
	// UpsertConsumption inserts or replaces a consumption record.
	UpsertConsumption string
	schema            string
}

// MySQL is the production dialect.
var MySQL = Dialect{
	Name:         "mysql",
	LockRows:     " FOR UPDATE SKIP LOCKED",
	LockRow:      " FOR UPDATE",
	InsertIgnore: "INSERT IGNORE",
	UpsertConsumption: `INSERT INTO consumption_records
		(tenant_id, location_id, provider, sale_date, total, orders, items, discounts, taxes, meta, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE total=VALUES(total), orders=VALUES(orders), items=VALUES(items),
		discounts=VALUES(discounts), taxes=VALUES(taxes), meta=VALUES(meta), updated_at=VALUES(updated_at)`,
	schema: mysqlSchema,
}

// SQLite is the dialect of the file-backed test and local store.
var SQLite = Dialect{
	Name:         "sqlite3",
	InsertIgnore: "INSERT OR IGNORE",
	UpsertConsumption: `INSERT INTO consumption_records
		(tenant_id, location_id, provider, sale_date, total, orders, items, discounts, taxes, meta, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(tenant_id, location_id, provider, sale_date) DO UPDATE SET
		total=excluded.total, orders=excluded.orders, items=excluded.items,
		discounts=excluded.discounts, taxes=excluded.taxes, meta=excluded.meta, updated_at=excluded.updated_at`,
	schema: sqliteSchema,
}

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported DB_DRIVER %q", driver)
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range strings.Split(d.schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", d.Name, err)
		}
	}
	return nil
}

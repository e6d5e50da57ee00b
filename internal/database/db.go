package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// MySQLConfig describes a MySQL connection and its pool.
type MySQLConfig struct {
	User, Pass, Host, Port, Name string

	MaxConns    int           // open and idle; default 25
	MaxLifetime time.Duration // default 30m
}

func (m MySQLConfig) dsn() string {
	auth := m.User
	if m.Pass != "" {
		auth = m.User + ":" + m.Pass
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	// clientFoundRows=true -> RowsAffected counts matched rows, as on SQLite
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC&clientFoundRows=true",
		auth, m.Host, m.Port, m.Name)
}

// Open connects to MySQL, verifies the connection and applies the schema.
func Open(ctx context.Context, m MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", m.dsn())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	if m.MaxConns <= 0 {
		m.MaxConns = 25
	}
	if m.MaxLifetime <= 0 {
		m.MaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(m.MaxConns)
	db.SetMaxIdleConns(m.MaxConns)
	db.SetConnMaxLifetime(m.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql %s:%s: %w", m.Host, m.Port, err)
	}
	if err := Migrate(ctx, db, MySQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// applies the schema.  It backs the repository tests and local runs.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := Migrate(context.Background(), db, SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

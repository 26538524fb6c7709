package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the broker's bookkeeping database. Postgres DSNs use lib/pq and
// anything else is treated as a SQLite file path.
type DB struct {
	*sql.DB
	Driver string
}

// NewDB opens the database and applies the schema.
func NewDB(dsn string) (*DB, error) {
	driver, source := "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, source = "postgres", dsn
	}

	if driver == "sqlite3" && source != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// one writer at a time
		conn.SetMaxOpenConns(1)
	}

	db := &DB{DB: conn, Driver: driver}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_key      TEXT NOT NULL,
		idx          BIGINT NOT NULL,
		block_number BIGINT NOT NULL,
		requester    TEXT NOT NULL,
		storage_id   TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (job_key, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id           TEXT PRIMARY KEY,
		job_key      TEXT NOT NULL,
		idx          BIGINT NOT NULL,
		block_number BIGINT NOT NULL,
		from_status  TEXT,
		to_status    TEXT NOT NULL,
		reason       TEXT NOT NULL,
		meta_json    TEXT NOT NULL,
		at           TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_key, idx, at)`,
	`CREATE TABLE IF NOT EXISTS dispatch_records (
		id               TEXT PRIMARY KEY,
		job_key          TEXT NOT NULL,
		idx              BIGINT NOT NULL,
		block_number     BIGINT NOT NULL,
		scheduler_job_id TEXT NOT NULL,
		time_limit       TEXT NOT NULL,
		attempts         INTEGER NOT NULL,
		status           TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		UNIQUE (job_key, idx, block_number)
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		hash           TEXT NOT NULL,
		tier           TEXT NOT NULL,
		representation TEXT NOT NULL,
		path           TEXT NOT NULL,
		verified       BOOLEAN NOT NULL,
		recorded_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (hash, tier)
	)`,
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

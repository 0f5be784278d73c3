// Package store is the Postgres layer shared by all solobot instances.
// The same database doubles as the lock store: advisory locks coordinate
// which instance is ACTIVE, and the tables below hold jobs, orphan
// callbacks, update dedup markers, and lock-holder heartbeats.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	schemaVersion  = 3
	schemaChecksum = "sb-v3-2026-06-02-orphan-error-column"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the shared Postgres database.
type Store struct {
	db *sql.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and ensures the schema is present.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS solobot_schema_meta (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS singleton_heartbeats (
			lock_key BIGINT PRIMARY KEY,
			holder_instance TEXT NOT NULL,
			last_heartbeat_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			external_task_id TEXT UNIQUE,
			chat_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_external_task_id ON jobs (external_task_id)`,
		`CREATE TABLE IF NOT EXISTS orphan_callbacks (
			id UUID PRIMARY KEY,
			external_task_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orphans_unprocessed
			ON orphan_callbacks (received_at) WHERE NOT processed`,
		`CREATE TABLE IF NOT EXISTS processed_updates (
			external_id TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM solobot_schema_meta ORDER BY applied_at DESC LIMIT 1`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO solobot_schema_meta (version, checksum) VALUES ($1, $2)`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current > schemaVersion:
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", current, schemaVersion)
	case current < schemaVersion:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO solobot_schema_meta (version, checksum) VALUES ($1, $2)`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

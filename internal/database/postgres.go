// Package database opens the shared PostgreSQL store used when several
// sendlater instances dispatch from the same data.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS templates (
		seq        BIGSERIAL,
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		content    TEXT NOT NULL,
		category   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS template_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_messages (
		id          TEXT PRIMARY KEY,
		recipient   TEXT NOT NULL,
		message     TEXT NOT NULL,
		send_time   TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		status      TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		remote_id   TEXT NOT NULL DEFAULT '',
		last_error  TEXT NOT NULL DEFAULT '',
		metadata    JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS scheduled_messages_pending_idx
		ON scheduled_messages (send_time, id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS scheduled_messages_history_idx
		ON scheduled_messages (resolved_at DESC) WHERE status <> 'pending'`,
}

// Open connects to PostgreSQL through the pgx driver and applies the schema
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates missing tables and indexes
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

// tableCreationQueries returns the table creation SQL statements.
func tableCreationQueries() []string {
	return []string{
		// Canonical activity records from all sources. raw_signature is
		// the deduplication key: source + target + natural key.
		`CREATE TABLE IF NOT EXISTS records (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			entity TEXT NOT NULL,
			target TEXT NOT NULL,
			record_id TEXT NOT NULL,
			raw_signature TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			status TEXT,
			author_id TEXT,
			occurred_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			lines_added INTEGER,
			lines_deleted INTEGER,
			ingested_at TIMESTAMP NOT NULL
		)`,

		// Resolved identities keyed by source + source-specific user ID.
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			email TEXT,
			role TEXT NOT NULL,
			team TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (source, source_user_id)
		)`,

		// Sync checkpoints, one row per (source, entity, target).
		`CREATE TABLE IF NOT EXISTS sync_state (
			source TEXT NOT NULL,
			entity TEXT NOT NULL,
			target TEXT NOT NULL,
			last_sync_at TIMESTAMP NOT NULL,
			last_cursor TEXT,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source, entity, target)
		)`,

		// Raw payloads of records that failed normalization or storage.
		`CREATE TABLE IF NOT EXISTS failed_records (
			raw_signature TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			entity TEXT NOT NULL,
			target TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload BLOB NOT NULL,
			failed_at TIMESTAMP NOT NULL
		)`,

		// Ingestion audit trail.
		`CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			entity TEXT NOT NULL,
			target TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			payload_size INTEGER NOT NULL,
			message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_source_entity ON records (source, entity)`,
		`CREATE INDEX IF NOT EXISTS idx_records_occurred_at ON records (occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_author ON records (author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_records_source ON failed_records (source, entity)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_source ON audit_log (source, entity)`,
	}
}

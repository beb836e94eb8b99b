// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

// GetSyncState returns the checkpoint for a (source, entity, target)
// triple, or nil when no checkpoint has been persisted yet.
func (db *DB) GetSyncState(ctx context.Context, source, entity, target string) (*models.SyncState, error) {
	start := time.Now()
	state := &models.SyncState{}
	err := db.conn.QueryRowContext(ctx, `
		SELECT source, entity, target, last_sync_at, last_cursor, updated_at
		FROM sync_state WHERE source = ? AND entity = ? AND target = ?`,
		source, entity, target,
	).Scan(&state.Source, &state.Entity, &state.Target, &state.LastSyncAt, &state.LastCursor, &state.UpdatedAt)
	metrics.RecordDBQuery("select", "sync_state", time.Since(start), ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// UpsertSyncState persists a checkpoint, replacing any previous one for
// the same (source, entity, target) triple.
func (db *DB) UpsertSyncState(ctx context.Context, state *models.SyncState) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_state (source, entity, target, last_sync_at, last_cursor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, entity, target) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_cursor = EXCLUDED.last_cursor,
			updated_at = EXCLUDED.updated_at`,
		state.Source, state.Entity, state.Target, state.LastSyncAt, state.LastCursor, time.Now().UTC(),
	)
	metrics.RecordDBQuery("upsert", "sync_state", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upsert sync state: %w", err)
	}
	return nil
}

// ListSyncStates returns all persisted checkpoints, used by the status
// endpoint.
func (db *DB) ListSyncStates(ctx context.Context) ([]*models.SyncState, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT source, entity, target, last_sync_at, last_cursor, updated_at
		FROM sync_state ORDER BY source, entity, target`)
	metrics.RecordDBQuery("select", "sync_state", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SyncState
	for rows.Next() {
		state := &models.SyncState{}
		if err := rows.Scan(&state.Source, &state.Entity, &state.Target,
			&state.LastSyncAt, &state.LastCursor, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync states: %w", err)
	}
	return out, nil
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/metrics"
)

const defaultQueryLimit = 100

// DuckDBStore persists audit entries in the audit_log table and mirrors
// each entry to the structured log at debug level.
type DuckDBStore struct {
	conn *sql.DB
}

// NewDuckDBStore returns a Store backed by the given connection. The
// audit_log table is created by the database package schema.
func NewDuckDBStore(conn *sql.DB) *DuckDBStore {
	return &DuckDBStore{conn: conn}
}

// Record appends an audit entry. The entry's ID and CreatedAt are
// assigned here when unset.
func (s *DuckDBStore) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_log (id, source, entity, target, action, outcome, payload_size, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Source, entry.Entity, entry.Target, entry.Action,
		entry.Outcome, entry.PayloadSize, entry.Message, entry.CreatedAt,
	)
	metrics.RecordDBQuery("insert", "audit_log", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	logging.Debug().
		Str("source", entry.Source).
		Str("entity", entry.Entity).
		Str("target", entry.Target).
		Str("action", entry.Action).
		Str("outcome", entry.Outcome).
		Int("payload_size", entry.PayloadSize).
		Msg("Audit entry recorded")
	return nil
}

// Query returns audit entries matching the filter, newest first.
func (s *DuckDBStore) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var conds []string
	var args []interface{}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *filter.To)
	}

	query := `SELECT id, source, entity, target, action, outcome, payload_size, message, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "audit_log", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.ID, &entry.Source, &entry.Entity, &entry.Target,
			&entry.Action, &entry.Outcome, &entry.PayloadSize, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return out, nil
}

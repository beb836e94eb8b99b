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
	"strings"
	"time"

	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

const defaultListLimit = 100

// maxListLimit caps page sizes requested through the API.
const maxListLimit = 1000

// UpsertRecord inserts a canonical record or, when a record with the same
// raw_signature already exists, refreshes its mutable fields. Returns true
// when a new row was inserted.
func (db *DB) UpsertRecord(ctx context.Context, rec *models.Record) (bool, error) {
	start := time.Now()

	exists, err := db.RecordExists(ctx, rec.RawSignature)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO records (
			id, source, entity, target, record_id, raw_signature,
			title, status, author_id, occurred_at, updated_at,
			lines_added, lines_deleted, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (raw_signature) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			author_id = EXCLUDED.author_id,
			updated_at = EXCLUDED.updated_at,
			lines_added = EXCLUDED.lines_added,
			lines_deleted = EXCLUDED.lines_deleted
	`
	_, err = db.conn.ExecContext(ctx, query,
		rec.ID, rec.Source, rec.Entity, rec.Target, rec.RecordID, rec.RawSignature,
		rec.Title, rec.Status, rec.AuthorID, rec.OccurredAt, rec.UpdatedAt,
		rec.LinesAdded, rec.LinesDeleted, rec.IngestedAt,
	)
	metrics.RecordDBQuery("upsert", "records", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to upsert record %s: %w", rec.RawSignature, err)
	}
	return !exists, nil
}

// RecordExists reports whether a record with the given raw signature is
// already stored.
func (db *DB) RecordExists(ctx context.Context, rawSignature string) (bool, error) {
	start := time.Now()
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE raw_signature = ?`, rawSignature).Scan(&one)
	metrics.RecordDBQuery("select", "records", time.Since(start), ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return true, nil
}

// GetRecordUpdatedAt returns the stored upstream update time for a raw
// signature. The bool is false when no record with that signature is
// stored.
func (db *DB) GetRecordUpdatedAt(ctx context.Context, rawSignature string) (time.Time, bool, error) {
	start := time.Now()
	var updatedAt time.Time
	err := db.conn.QueryRowContext(ctx,
		`SELECT updated_at FROM records WHERE raw_signature = ?`, rawSignature).Scan(&updatedAt)
	metrics.RecordDBQuery("select", "records", time.Since(start), ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read record update time: %w", err)
	}
	return updatedAt.UTC(), true, nil
}

// ListRecords returns records matching the filter, newest first. When more
// rows match than the limit, the returned cursor fetches the next page.
func (db *DB) ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
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
	if filter.Target != "" {
		conds = append(conds, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.From != nil {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, *filter.To)
	}
	if filter.Cursor != "" {
		cursorAt, cursorID, err := decodeRecordCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, cursorAt, cursorAt, cursorID)
	}

	query := `SELECT id, source, entity, target, record_id, raw_signature,
		title, status, author_id, occurred_at, updated_at,
		lines_added, lines_deleted, ingested_at FROM records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// Fetch one extra row to detect whether another page exists.
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "records", time.Since(start), err)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Record
	for rows.Next() {
		rec := &models.Record{}
		if err := rows.Scan(
			&rec.ID, &rec.Source, &rec.Entity, &rec.Target, &rec.RecordID, &rec.RawSignature,
			&rec.Title, &rec.Status, &rec.AuthorID, &rec.OccurredAt, &rec.UpdatedAt,
			&rec.LinesAdded, &rec.LinesDeleted, &rec.IngestedAt,
		); err != nil {
			return nil, "", fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate records: %w", err)
	}

	nextCursor := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		nextCursor = encodeRecordCursor(last.OccurredAt, last.ID.String())
	}
	return out, nextCursor, nil
}

// CountRecords returns the total number of stored records, optionally
// filtered by source.
func (db *DB) CountRecords(ctx context.Context, source string) (int64, error) {
	query := `SELECT COUNT(*) FROM records`
	var args []interface{}
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, source)
	}
	start := time.Now()
	var count int64
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count)
	metrics.RecordDBQuery("select", "records", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func encodeRecordCursor(occurredAt time.Time, id string) string {
	return occurredAt.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeRecordCursor(cursor string) (time.Time, string, error) {
	at, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return t, id, nil
}

// ignoreNoRows filters sql.ErrNoRows so it does not count as a query error
// in metrics.
func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

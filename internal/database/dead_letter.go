// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

// SaveFailedRecord stores the raw payload of a record that failed
// normalization or storage so it can be reprocessed later without a
// refetch. Repeated failures for the same signature keep the latest
// reason and payload.
func (db *DB) SaveFailedRecord(ctx context.Context, rec *models.FailedRecord) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO failed_records (raw_signature, source, entity, target, reason, payload, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (raw_signature) DO UPDATE SET
			reason = EXCLUDED.reason,
			payload = EXCLUDED.payload,
			failed_at = EXCLUDED.failed_at`,
		rec.RawSignature, rec.Source, rec.Entity, rec.Target, rec.Reason, rec.Payload, rec.FailedAt,
	)
	metrics.RecordDBQuery("upsert", "failed_records", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save failed record %s: %w", rec.RawSignature, err)
	}
	return nil
}

// ListFailedRecords returns up to limit dead letter entries for a source,
// oldest first.
func (db *DB) ListFailedRecords(ctx context.Context, source string, limit int) ([]*models.FailedRecord, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT raw_signature, source, entity, target, reason, payload, failed_at
		FROM failed_records WHERE source = ?
		ORDER BY failed_at ASC LIMIT ?`, source, limit)
	metrics.RecordDBQuery("select", "failed_records", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.FailedRecord
	for rows.Next() {
		rec := &models.FailedRecord{}
		if err := rows.Scan(&rec.RawSignature, &rec.Source, &rec.Entity, &rec.Target,
			&rec.Reason, &rec.Payload, &rec.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed records: %w", err)
	}
	return out, nil
}

// DeleteFailedRecord removes a dead letter entry after successful
// reprocessing.
func (db *DB) DeleteFailedRecord(ctx context.Context, rawSignature string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM failed_records WHERE raw_signature = ?`, rawSignature)
	metrics.RecordDBQuery("delete", "failed_records", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete failed record %s: %w", rawSignature, err)
	}
	return nil
}

// CountFailedRecords returns the number of dead letter entries for a
// source.
func (db *DB) CountFailedRecords(ctx context.Context, source string) (int64, error) {
	start := time.Now()
	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_records WHERE source = ?`, source).Scan(&count)
	metrics.RecordDBQuery("select", "failed_records", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed records: %w", err)
	}
	return count, nil
}

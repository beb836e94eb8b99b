// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"fmt"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/models"
)

// reprocessDeadLetters re-normalizes stored dead letter payloads for a
// source after a completed run. Payloads were captured at failure time,
// so no upstream refetch happens here. Entries that succeed are removed;
// entries that fail again stay with an updated reason.
func (m *Manager) reprocessDeadLetters(ctx context.Context, src string) {
	entries, err := m.store.ListFailedRecords(ctx, src, m.cfg.Ingest.DeadLetterBatch)
	if err != nil {
		logging.Error().Err(err).Str("source", src).Msg("Failed to list dead letter entries")
		return
	}
	if len(entries) == 0 {
		m.recorder.RecordDeadLetter(src, 0)
		return
	}

	recovered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if m.reprocessEntry(ctx, entry) {
			recovered++
			m.recorder.RecordDeadLetterReprocess(src, true)
		} else {
			m.recorder.RecordDeadLetterReprocess(src, false)
		}
	}

	pending, err := m.store.CountFailedRecords(ctx, src)
	if err == nil {
		m.recorder.RecordDeadLetter(src, int(pending))
	}

	outcome := audit.OutcomeSuccess
	if recovered < len(entries) {
		outcome = audit.OutcomePartial
	}
	if recovered == 0 {
		outcome = audit.OutcomeFail
	}
	if err := m.auditLog.Record(ctx, &audit.Entry{
		Source:      src,
		Entity:      entries[0].Entity,
		Target:      "*",
		Action:      audit.ActionDeadLetter,
		Outcome:     outcome,
		PayloadSize: len(entries),
		Message:     fmt.Sprintf("recovered %d of %d dead letter entries", recovered, len(entries)),
	}); err != nil {
		logging.Error().Err(err).Msg("Failed to record dead letter audit entry")
	}

	logging.Info().
		Str("source", src).
		Int("attempted", len(entries)).
		Int("recovered", recovered).
		Msg("Dead letter reprocessing pass completed")
}

// reprocessEntry retries one dead letter entry. Returns true when the
// record was stored and the entry removed.
func (m *Manager) reprocessEntry(ctx context.Context, entry *models.FailedRecord) bool {
	normalize, err := normalizerFor(entry.Entity)
	if err != nil {
		logging.Warn().Err(err).Str("record", entry.RawSignature).Msg("Dead letter entry has unknown entity")
		return false
	}

	rec, identity, err := normalize(entry.Payload, entry.Target)
	if err != nil {
		m.updateDeadLetterReason(ctx, entry, fmt.Sprintf("normalization failed: %v", err))
		return false
	}

	authorID, err := m.resolver.Resolve(ctx, entry.Source, identity)
	if err != nil {
		m.updateDeadLetterReason(ctx, entry, fmt.Sprintf("identity resolution failed: %v", err))
		return false
	}
	if authorID != "" {
		rec.AuthorID = &authorID
	}

	if _, err := m.store.UpsertRecord(ctx, rec); err != nil {
		m.updateDeadLetterReason(ctx, entry, fmt.Sprintf("storage failed: %v", err))
		return false
	}

	if err := m.store.DeleteFailedRecord(ctx, entry.RawSignature); err != nil {
		// The record is stored; a leftover entry just gets skipped as a
		// duplicate next pass.
		logging.Warn().Err(err).Str("record", entry.RawSignature).Msg("Failed to remove recovered dead letter entry")
	}
	return true
}

func (m *Manager) updateDeadLetterReason(ctx context.Context, entry *models.FailedRecord, reason string) {
	entry.Reason = reason
	if err := m.store.SaveFailedRecord(ctx, entry); err != nil {
		logging.Error().Err(err).Str("record", entry.RawSignature).Msg("Failed to update dead letter entry")
	}
}

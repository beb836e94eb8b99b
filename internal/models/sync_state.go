// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package models

import "time"

// SyncState is the durable ingestion checkpoint for one
// (source, entity, target) stream.
//
// LastSyncAt is the start time of the last fully completed run and serves
// as the next run's lower bound. LastCursor is the opaque pagination token
// of the final page ("" once the end of the stream was reached). The state
// is only ever written after a run's page loop completes, so a crash
// mid-run re-processes already-seen records instead of losing unseen ones.
type SyncState struct {
	Source     string    `json:"source"`
	Entity     string    `json:"entity"`
	Target     string    `json:"target"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastCursor string    `json:"last_cursor,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FailedRecord is a dead-letter entry for a record that failed ingestion
// after its page completed. The raw payload is captured at failure time so
// a later pass can re-normalize without re-fetching from the upstream.
type FailedRecord struct {
	RawSignature string    `json:"raw_signature"`
	Source       string    `json:"source"`
	Entity       string    `json:"entity"`
	Target       string    `json:"target"`
	Reason       string    `json:"reason"`
	Payload      []byte    `json:"payload"`
	FailedAt     time.Time `json:"failed_at"`
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package audit records an append-only trail of ingestion actions. Every
// run writes one entry per (source, entity, target) describing what
// happened, so operators can reconstruct ingestion history without
// trawling logs.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome values for audit entries.
const (
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
	OutcomePartial = "partial"
)

// Action values for audit entries.
const (
	ActionIngest     = "ingest"
	ActionDeadLetter = "dead_letter_reprocess"
)

// Entry is a single audit log row.
type Entry struct {
	ID          uuid.UUID `json:"id"`
	Source      string    `json:"source"`
	Entity      string    `json:"entity"`
	Target      string    `json:"target"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	PayloadSize int       `json:"payload_size"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueryFilter narrows audit log queries.
type QueryFilter struct {
	Source  string
	Entity  string
	Outcome string
	From    *time.Time
	To      *time.Time
	Limit   int
}

// Store persists and queries audit entries.
type Store interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error)
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package models defines the canonical data types shared between the
// ingestion pipeline, the storage layer, and the read API.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifiers for the supported upstream systems.
const (
	SourceGitHub = "github"
	SourceJira   = "jira"
)

// Entity identifiers for the supported record kinds.
const (
	EntityCommit = "commit"
	EntityIssue  = "issue"
)

// Record is the canonical, normalized representation of one upstream
// activity record (a commit or an issue).
//
// RawSignature is the deterministic dedup key, constructed as
// "{source}:{target}:{natural key}" where the natural key is the commit
// SHA or the issue key. For a fixed signature at most one Record exists;
// a re-ingested copy with a newer UpdatedAt updates the row in place,
// anything else is skipped, and a second row is never created.
type Record struct {
	ID           uuid.UUID `json:"id"`
	Source       string    `json:"source"`
	Entity       string    `json:"entity"`
	Target       string    `json:"target"`
	RecordID     string    `json:"record_id"`
	RawSignature string    `json:"raw_signature"`

	Title    string  `json:"title"`
	Status   string  `json:"status"`
	AuthorID *string `json:"author_id,omitempty"`

	// OccurredAt is the upstream business timestamp (commit authored time,
	// issue created time). UpdatedAt is the upstream last-modified time.
	OccurredAt time.Time `json:"occurred_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Diff-stat enrichment for commits, populated best-effort from the
	// detail endpoint. Nil when enrichment was unavailable.
	LinesAdded   *int `json:"lines_added,omitempty"`
	LinesDeleted *int `json:"lines_deleted,omitempty"`

	IngestedAt time.Time `json:"ingested_at"`
}

// Signature builds the deterministic raw signature for a record.
// Same inputs always produce the same signature, which is what makes
// deduplication idempotent across re-runs and re-fetches.
func Signature(source, target, naturalKey string) string {
	return source + ":" + target + ":" + naturalKey
}

// RecordFilter selects records for the downstream read API.
type RecordFilter struct {
	Source string
	Entity string
	Target string
	From   *time.Time
	To     *time.Time
	Limit  int
	Cursor string
}

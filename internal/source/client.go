// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package source provides the per-source-system clients that fetch raw
// activity records (commits, issues) from upstream APIs, one page at a
// time, with structured error classification.
//
// Clients are deliberately thin: they perform the network call, classify
// failures into source.Error kinds, and return raw payloads. They never
// touch sync state or the canonical store; resilience (retry, circuit
// breaking) is layered on top by the ingest package.
package source

import (
	"context"
	"io"
	"strings"
	"time"
)

// SincePrefix marks a first-page cursor that carries an RFC3339 lower
// bound instead of an upstream continuation token.
const SincePrefix = "since:"

// maxErrorBodySize bounds how much of an error response body is read for
// diagnostics, preventing unbounded allocation on large error payloads.
const maxErrorBodySize = 64 * 1024

// RawRecord is one upstream record exactly as fetched. Key is the
// upstream natural key (commit SHA, issue key); Payload is the raw JSON
// element, preserved so failed records can be re-processed later without
// a re-fetch.
type RawRecord struct {
	Key     string
	Payload []byte
}

// Page is one page of upstream records. An empty NextCursor signals
// end-of-stream.
type Page struct {
	Records    []RawRecord
	NextCursor string
}

// Detail is the optional per-record enrichment fetched separately
// (commit diff statistics). A nil Detail means no enrichment.
type Detail struct {
	LinesAdded   int
	LinesDeleted int
}

// Client fetches raw records from one upstream source system.
//
// FetchPage must distinguish three outcomes: success (possibly an empty
// page), target-not-found (an empty page and nil error, so a permanently
// absent target never poisons retry or breaker state), and classified
// failures (*Error with a Kind the caller can branch on).
//
// cursor is either "" / "since:<RFC3339>" for the first page, or the
// opaque token returned in a prior Page.NextCursor.
type Client interface {
	// Source returns the source system identifier ("github", "jira").
	Source() string

	// FetchPage fetches one page of raw records for the target collection.
	FetchPage(ctx context.Context, target, cursor string, pageSize int) (*Page, error)

	// FetchDetail fetches per-record enrichment. A nil Detail with nil
	// error means the source has no enrichment for this entity kind.
	// Failures here must be treated as best-effort by the caller.
	FetchDetail(ctx context.Context, target, key string) (*Detail, error)
}

// SinceCursor encodes a timestamp lower bound as a first-page cursor.
func SinceCursor(t time.Time) string {
	return SincePrefix + t.UTC().Format(time.RFC3339)
}

// parseSince extracts the timestamp from a "since:" cursor. The second
// return is false when the cursor is an upstream token (or empty).
func parseSince(cursor string) (time.Time, bool) {
	if !strings.HasPrefix(cursor, SincePrefix) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimPrefix(cursor, SincePrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// readBodyForError reads at most maxErrorBodySize bytes of a response
// body for error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}

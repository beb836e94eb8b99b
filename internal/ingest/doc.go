// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

/*
Package ingest orchestrates incremental synchronization of engineering
activity from upstream sources into the canonical store.

A run pulls one (source, entity, target) stream: pages are fetched
through a circuit breaker with retry, each record is normalized into the
canonical form, its author resolved to an internal identity, and the
result deduplicated by raw signature before storage. Checkpoints only
advance when a run completes, so an aborted run resumes from the same
position. Records that fail normalization are isolated into a dead
letter table and do not abort the run.

Components:
  - Manager: run lifecycle, per-stream locking, periodic scheduling
  - BreakerClient: circuit breaker wrapper around source clients
  - withRetry: bounded exponential backoff for retryable fetch errors
  - IdentityResolver: caching author-to-user resolution
  - NormalizeCommit / NormalizeIssue: raw payload to canonical record
*/
package ingest

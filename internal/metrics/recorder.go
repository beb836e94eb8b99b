// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package metrics

import (
	"sync"
	"time"
)

// RunStats is an in-process snapshot of ingestion counters for one
// (source, entity) pair. It backs the status API so callers do not have
// to scrape and parse the Prometheus endpoint.
type RunStats struct {
	Source       string    `json:"source"`
	Entity       string    `json:"entity"`
	Runs         int64     `json:"runs"`
	SuccessCount int64     `json:"success_count"`
	FailedCount  int64     `json:"failed_count"`
	SkippedCount int64     `json:"skipped_count"`
	LastOutcome  string    `json:"last_outcome"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastLatency  int64     `json:"last_latency_ms"`
}

// Recorder publishes ingestion metrics to Prometheus and keeps a
// mutex-guarded snapshot per (source, entity) for the status endpoint.
// The zero value is not usable; construct with NewRecorder.
type Recorder struct {
	mu    sync.Mutex
	stats map[string]*RunStats
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]*RunStats)}
}

// RecordRun records a completed ingestion run.
func (r *Recorder) RecordRun(source, entity string, duration time.Duration, success, failed, skipped int, outcome string) {
	IngestRunDuration.WithLabelValues(source, entity).Observe(duration.Seconds())
	IngestRunsTotal.WithLabelValues(source, entity, outcome).Inc()
	IngestRecordsProcessed.WithLabelValues(source, entity, "success").Add(float64(success))
	IngestRecordsProcessed.WithLabelValues(source, entity, "failed").Add(float64(failed))
	IngestRecordsProcessed.WithLabelValues(source, entity, "skipped").Add(float64(skipped))
	if outcome != "fail" {
		IngestLastSuccess.WithLabelValues(source, entity).SetToCurrentTime()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := source + "/" + entity
	s, ok := r.stats[key]
	if !ok {
		s = &RunStats{Source: source, Entity: entity}
		r.stats[key] = s
	}
	s.Runs++
	s.SuccessCount += int64(success)
	s.FailedCount += int64(failed)
	s.SkippedCount += int64(skipped)
	s.LastOutcome = outcome
	s.LastRunAt = time.Now().UTC()
	s.LastLatency = duration.Milliseconds()
}

// RecordFetchError counts an upstream fetch failure by error kind.
func (r *Recorder) RecordFetchError(source, kind string) {
	IngestFetchErrors.WithLabelValues(source, kind).Inc()
}

// RecordPage records the size of a fetched page.
func (r *Recorder) RecordPage(source string, size int) {
	IngestPageSize.WithLabelValues(source).Observe(float64(size))
}

// RecordBreakerTransition counts a circuit breaker state change and
// updates the state gauge.
func (r *Recorder) RecordBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

// RecordBreakerRequest counts a request through a circuit breaker.
func (r *Recorder) RecordBreakerRequest(name, result string) {
	CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// RecordDeadLetter updates the dead letter gauge for a source.
func (r *Recorder) RecordDeadLetter(source string, pending int) {
	DeadLetterEntries.WithLabelValues(source).Set(float64(pending))
}

// RecordDeadLetterReprocess counts a dead letter reprocessing attempt.
func (r *Recorder) RecordDeadLetterReprocess(source string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	DeadLetterReprocessed.WithLabelValues(source, outcome).Inc()
}

// RecordIdentityResolution counts an identity lookup.
func (r *Recorder) RecordIdentityResolution(source string, created bool) {
	result := "hit"
	if created {
		result = "created"
	}
	IdentityResolutions.WithLabelValues(source, result).Inc()
}

// Snapshot returns a copy of the per-(source, entity) run counters.
func (r *Recorder) Snapshot() []RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	return out
}

func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/config"
	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/models"
	"github.com/devpulse-io/devpulse/internal/source"
)

// ErrRunInProgress is returned when an ingestion run is requested for a
// stream that is already being ingested.
var ErrRunInProgress = errors.New("ingestion run already in progress for this stream")

// ErrUnknownSource is returned when no client is registered for the
// requested source.
var ErrUnknownSource = errors.New("unknown source")

// Store is the persistence surface the manager needs. *database.DB
// satisfies it; tests use in-memory fakes.
type Store interface {
	UserStore

	UpsertRecord(ctx context.Context, rec *models.Record) (bool, error)
	GetRecordUpdatedAt(ctx context.Context, rawSignature string) (time.Time, bool, error)

	GetSyncState(ctx context.Context, source, entity, target string) (*models.SyncState, error)
	UpsertSyncState(ctx context.Context, state *models.SyncState) error

	SaveFailedRecord(ctx context.Context, rec *models.FailedRecord) error
	ListFailedRecords(ctx context.Context, source string, limit int) ([]*models.FailedRecord, error)
	DeleteFailedRecord(ctx context.Context, rawSignature string) error
	CountFailedRecords(ctx context.Context, source string) (int64, error)
}

// MetricsRecorder observes ingestion outcomes. *metrics.Recorder
// satisfies it.
type MetricsRecorder interface {
	RecordRun(source, entity string, duration time.Duration, success, failed, skipped int, outcome string)
	RecordFetchError(source, kind string)
	RecordPage(source string, size int)
	RecordDeadLetter(source string, pending int)
	RecordDeadLetterReprocess(source string, success bool)
	RecordIdentityResolution(source string, created bool)
}

// RunResult summarizes one ingestion run.
type RunResult struct {
	Source       string `json:"source"`
	Entity       string `json:"entity"`
	Target       string `json:"target"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	SkippedCount int    `json:"skipped_count"`
	LatencyMs    int64  `json:"latency_ms"`
	Outcome      string `json:"outcome"`
}

// Manager orchestrates ingestion runs across all registered sources.
type Manager struct {
	store    Store
	auditLog audit.Store
	recorder MetricsRecorder
	resolver *IdentityResolver
	cfg      *config.Config

	clients map[string]source.Client

	mu         sync.Mutex
	activeRuns map[string]bool
	running    bool
	lastRun    time.Time
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates an ingestion manager. Source clients are registered
// separately with RegisterClient, typically wrapped in a BreakerClient.
func NewManager(store Store, auditLog audit.Store, recorder MetricsRecorder, cfg *config.Config) *Manager {
	m := &Manager{
		store:      store,
		auditLog:   auditLog,
		recorder:   recorder,
		cfg:        cfg,
		clients:    make(map[string]source.Client),
		activeRuns: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}
	m.resolver = NewIdentityResolver(store, recorder.RecordIdentityResolution)

	logging.Info().
		Bool("sync_all", cfg.Ingest.SyncAll).
		Dur("lookback", cfg.Ingest.Lookback).
		Dur("interval", cfg.Ingest.Interval).
		Int("page_size", cfg.Ingest.PageSize).
		Msg("Ingestion manager config loaded")
	return m
}

// RegisterClient registers a source client. Registration is not safe for
// concurrent use with running ingestion; register everything before
// Start.
func (m *Manager) RegisterClient(client source.Client) {
	m.clients[client.Source()] = client
}

// Sources returns the registered source identifiers.
func (m *Manager) Sources() []string {
	out := make([]string, 0, len(m.clients))
	for s := range m.clients {
		out = append(out, s)
	}
	return out
}

// BreakerStates returns the circuit breaker state per registered source,
// for clients that carry a breaker.
func (m *Manager) BreakerStates() map[string]string {
	out := make(map[string]string, len(m.clients))
	for name, client := range m.clients {
		if bc, ok := client.(*BreakerClient); ok {
			out[name] = bc.State()
		}
	}
	return out
}

// RunIngestion executes one ingestion run for a (source, entity, target)
// stream. At most one run per stream executes at a time; a concurrent
// request fails fast with ErrRunInProgress.
//
// A fetch failure aborts the run: records already stored stay stored, the
// checkpoint is not advanced, and the next run re-covers the same window.
// A record-level failure (normalization, storage) does not abort the run;
// the raw payload goes to the dead letter table and the run continues.
func (m *Manager) RunIngestion(ctx context.Context, src, entity, target string) (*RunResult, error) {
	client, ok := m.clients[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	normalize, err := normalizerFor(entity)
	if err != nil {
		return nil, err
	}

	runKey := src + "/" + entity + "/" + target
	m.mu.Lock()
	if m.activeRuns[runKey] {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}
	m.activeRuns[runKey] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.activeRuns, runKey)
		m.lastRun = time.Now()
		m.mu.Unlock()
	}()

	runStart := time.Now()
	result := &RunResult{Source: src, Entity: entity, Target: target}

	cursor, err := m.startCursor(ctx, src, entity, target)
	if err != nil {
		return nil, err
	}

	retryCfg := RetryConfig{
		MaxAttempts:    m.cfg.Ingest.RetryAttempts,
		BaseDelay:      m.cfg.Ingest.RetryBaseDelay,
		RateLimitDelay: m.cfg.Ingest.RateLimitDelay,
	}

	logging.Info().
		Str("source", src).
		Str("entity", entity).
		Str("target", target).
		Str("cursor", cursor).
		Msg("Starting ingestion run")

	for {
		var page *source.Page
		fetchErr := withRetry(ctx, retryCfg, func() error {
			p, err := client.FetchPage(ctx, target, cursor, m.cfg.Ingest.PageSize)
			if err != nil {
				if kind, ok := source.KindOf(err); ok {
					m.recorder.RecordFetchError(src, kind.String())
				}
				return err
			}
			page = p
			return nil
		})
		if fetchErr != nil {
			result.Outcome = audit.OutcomeFail
			result.LatencyMs = time.Since(runStart).Milliseconds()
			m.finishRun(ctx, result, runStart, fmt.Sprintf("fetch aborted: %v", fetchErr))
			return result, fmt.Errorf("ingestion run aborted for %s: %w", runKey, fetchErr)
		}

		m.recorder.RecordPage(src, len(page.Records))
		for _, raw := range page.Records {
			m.processRecord(ctx, client, normalize, src, entity, target, raw, result)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	result.Outcome = audit.OutcomeSuccess
	if result.FailedCount > 0 {
		result.Outcome = audit.OutcomePartial
	}
	result.LatencyMs = time.Since(runStart).Milliseconds()

	// A checkpoint write failure is fatal for the run: records already
	// stored stay stored, but without a durable checkpoint the run never
	// happened as far as resumption is concerned, so the caller must see
	// the failure.
	if err := m.store.UpsertSyncState(ctx, &models.SyncState{
		Source:     src,
		Entity:     entity,
		Target:     target,
		LastSyncAt: runStart.UTC(),
	}); err != nil {
		result.Outcome = audit.OutcomeFail
		m.finishRun(ctx, result, runStart, fmt.Sprintf("checkpoint write failed: %v", err))
		return result, fmt.Errorf("ingestion run aborted for %s: checkpoint write failed: %w", runKey, err)
	}

	m.finishRun(ctx, result, runStart, "")

	if m.cfg.Ingest.DeadLetterEnabled {
		m.reprocessDeadLetters(ctx, src)
	}

	logging.Info().
		Str("source", src).
		Str("entity", entity).
		Str("target", target).
		Int("success", result.SuccessCount).
		Int("failed", result.FailedCount).
		Int("skipped", result.SkippedCount).
		Int64("latency_ms", result.LatencyMs).
		Str("outcome", result.Outcome).
		Msg("Ingestion run completed")
	return result, nil
}

// startCursor returns the cursor for the first page of a run. A persisted
// checkpoint bounds the run to records updated since the last completed
// run; without one the configured lookback window applies, or all history
// when sync_all is set.
func (m *Manager) startCursor(ctx context.Context, src, entity, target string) (string, error) {
	state, err := m.store.GetSyncState(ctx, src, entity, target)
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state != nil {
		if state.LastCursor != "" {
			return state.LastCursor, nil
		}
		return source.SinceCursor(state.LastSyncAt), nil
	}
	if m.cfg.Ingest.SyncAll {
		return source.SinceCursor(time.Unix(0, 0).UTC()), nil
	}
	return source.SinceCursor(time.Now().UTC().Add(-m.cfg.Ingest.Lookback)), nil
}

// processRecord normalizes, resolves, and stores one raw record, updating
// the run counters. Failures are isolated: the payload is saved for
// dead letter reprocessing and the run continues.
func (m *Manager) processRecord(ctx context.Context, client source.Client, normalize func([]byte, string) (*models.Record, *Identity, error), src, entity, target string, raw source.RawRecord, result *RunResult) {
	key := raw.Key
	if key == "" {
		// Elements without a natural key still need distinct signatures
		// so one dead letter row cannot shadow another.
		sum := sha256.Sum256(raw.Payload)
		key = "unkeyed-" + hex.EncodeToString(sum[:8])
	}
	sig := models.Signature(src, target, key)

	storedUpdated, exists, err := m.store.GetRecordUpdatedAt(ctx, sig)
	if err != nil {
		m.deadLetter(ctx, src, entity, target, sig, raw.Payload, fmt.Sprintf("record lookup failed: %v", err))
		result.FailedCount++
		return
	}

	rec, identity, err := normalize(raw.Payload, target)
	if err != nil {
		if exists {
			// The stored copy stays authoritative over a malformed
			// re-fetch.
			result.SkippedCount++
			return
		}
		m.deadLetter(ctx, src, entity, target, sig, raw.Payload, fmt.Sprintf("normalization failed: %v", err))
		result.FailedCount++
		return
	}
	if exists && !rec.UpdatedAt.After(storedUpdated) {
		result.SkippedCount++
		return
	}

	authorID, err := m.resolver.Resolve(ctx, src, identity)
	if err != nil {
		m.deadLetter(ctx, src, entity, target, sig, raw.Payload, fmt.Sprintf("identity resolution failed: %v", err))
		result.FailedCount++
		return
	}
	if authorID != "" {
		rec.AuthorID = &authorID
	}

	// Diff-stat enrichment is best effort. A missing detail never fails
	// the record.
	if entity == models.EntityCommit && rec.LinesAdded == nil {
		if detail, err := client.FetchDetail(ctx, target, raw.Key); err != nil {
			logging.Warn().Err(err).Str("record", sig).Msg("Detail enrichment failed")
		} else if detail != nil {
			rec.LinesAdded = &detail.LinesAdded
			rec.LinesDeleted = &detail.LinesDeleted
		}
	}

	if _, err := m.store.UpsertRecord(ctx, rec); err != nil {
		m.deadLetter(ctx, src, entity, target, sig, raw.Payload, fmt.Sprintf("storage failed: %v", err))
		result.FailedCount++
		return
	}
	result.SuccessCount++
}

// deadLetter captures a failed record's raw payload for later
// reprocessing. A capture failure is logged and dropped; the record
// counts as failed either way.
func (m *Manager) deadLetter(ctx context.Context, src, entity, target, sig string, payload []byte, reason string) {
	logging.Warn().Str("record", sig).Str("reason", reason).Msg("Record failed, saving to dead letter table")
	err := m.store.SaveFailedRecord(ctx, &models.FailedRecord{
		RawSignature: sig,
		Source:       src,
		Entity:       entity,
		Target:       target,
		Reason:       reason,
		Payload:      payload,
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		logging.Error().Err(err).Str("record", sig).Msg("Failed to save dead letter entry")
	}
}

// finishRun records the audit entry and run metrics.
func (m *Manager) finishRun(ctx context.Context, result *RunResult, runStart time.Time, message string) {
	entry := &audit.Entry{
		Source:      result.Source,
		Entity:      result.Entity,
		Target:      result.Target,
		Action:      audit.ActionIngest,
		Outcome:     result.Outcome,
		PayloadSize: result.SuccessCount + result.FailedCount + result.SkippedCount,
		Message:     message,
	}
	if result.Outcome == audit.OutcomePartial && message == "" {
		entry.Message = fmt.Sprintf("%d records failed and were dead lettered", result.FailedCount)
	}
	if err := m.auditLog.Record(ctx, entry); err != nil {
		logging.Error().Err(err).Msg("Failed to record audit entry")
	}

	m.recorder.RecordRun(result.Source, result.Entity,
		time.Duration(result.LatencyMs)*time.Millisecond,
		result.SuccessCount, result.FailedCount, result.SkippedCount, result.Outcome)
}

// RunAll executes ingestion runs for every configured stream. Streams
// fail independently; one stream's error does not stop the others.
func (m *Manager) RunAll(ctx context.Context) []*RunResult {
	var results []*RunResult
	for _, stream := range m.configuredStreams() {
		result, err := m.RunIngestion(ctx, stream.source, stream.entity, stream.target)
		if err != nil {
			logging.Warn().Err(err).
				Str("source", stream.source).
				Str("entity", stream.entity).
				Str("target", stream.target).
				Msg("Ingestion run failed")
		}
		if result != nil {
			results = append(results, result)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

type stream struct {
	source string
	entity string
	target string
}

func (m *Manager) configuredStreams() []stream {
	var out []stream
	if m.cfg.GitHub.Enabled {
		for _, repo := range m.cfg.GitHub.Repos {
			out = append(out, stream{models.SourceGitHub, models.EntityCommit, repo})
		}
	}
	if m.cfg.Jira.Enabled {
		for _, project := range m.cfg.Jira.Projects {
			out = append(out, stream{models.SourceJira, models.EntityIssue, project})
		}
	}
	return out
}

// Start begins periodic ingestion. The first pass runs immediately in the
// background, then repeats every configured interval until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("ingestion manager is already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	logging.Info().Msg("Starting ingestion manager")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.RunAll(ctx)

		ticker := time.NewTicker(m.cfg.Ingest.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunAll(ctx)
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop shuts down periodic ingestion and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("Ingestion manager stopped")
}

// LastRunTime returns when the most recent run finished.
func (m *Manager) LastRunTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

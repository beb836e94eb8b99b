// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/models"
	"github.com/devpulse-io/devpulse/internal/source"
)

func TestRunIngestion_EndToEnd(t *testing.T) {
	mgr, store, auditLog, _ := newTestManager(testConfig())
	client := &pagedClient{src: models.SourceGitHub, pages: commitPages(100, 100, 37)}
	mgr.RegisterClient(client)
	ctx := context.Background()

	result, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	if result.SuccessCount != 237 {
		t.Errorf("SuccessCount = %d, want 237", result.SuccessCount)
	}
	if result.FailedCount != 0 || result.SkippedCount != 0 {
		t.Errorf("failed/skipped = %d/%d, want 0/0", result.FailedCount, result.SkippedCount)
	}
	if result.Outcome != audit.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", result.Outcome)
	}
	if store.recordCount() != 237 {
		t.Errorf("stored records = %d, want 237", store.recordCount())
	}

	state, err := store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("GetSyncState() failed: %v", err)
	}
	if state == nil {
		t.Fatal("checkpoint was not persisted after successful run")
	}
	if state.LastSyncAt.IsZero() {
		t.Error("checkpoint LastSyncAt is zero")
	}

	entries := auditLog.byAction(audit.ActionIngest)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Outcome != audit.OutcomeSuccess || entries[0].PayloadSize != 237 {
		t.Errorf("audit entry = outcome %q size %d, want success/237", entries[0].Outcome, entries[0].PayloadSize)
	}

	// Re-running the same window dedupes everything by signature.
	again, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("second RunIngestion() failed: %v", err)
	}
	if again.SkippedCount != 237 {
		t.Errorf("second run SkippedCount = %d, want 237", again.SkippedCount)
	}
	if again.SuccessCount != 0 {
		t.Errorf("second run SuccessCount = %d, want 0", again.SuccessCount)
	}
	if store.recordCount() != 237 {
		t.Errorf("stored records after re-run = %d, want 237", store.recordCount())
	}
}

func TestRunIngestion_CheckpointAdvancesMonotonically(t *testing.T) {
	mgr, store, _, _ := newTestManager(testConfig())
	client := &pagedClient{src: models.SourceGitHub, pages: commitPages(5)}
	mgr.RegisterClient(client)
	ctx := context.Background()

	if _, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api"); err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	first, _ := store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")

	time.Sleep(2 * time.Millisecond)
	if _, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api"); err != nil {
		t.Fatalf("second RunIngestion() failed: %v", err)
	}
	second, _ := store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")

	if !second.LastSyncAt.After(first.LastSyncAt) {
		t.Errorf("checkpoint did not advance: %v then %v", first.LastSyncAt, second.LastSyncAt)
	}
}

func TestRunIngestion_PartialFailureIsolation(t *testing.T) {
	mgr, store, auditLog, _ := newTestManager(testConfig())

	page := &source.Page{}
	for i := 0; i < 9; i++ {
		key := "PROJ-" + string(rune('1'+i))
		page.Records = append(page.Records, source.RawRecord{Key: key, Payload: issuePayloadFor(key, "acct-1")})
	}
	// One record with an undecodable payload.
	page.Records = append(page.Records, source.RawRecord{Key: "PROJ-bad", Payload: []byte(`{"key": `)})

	client := &pagedClient{src: models.SourceJira, pages: []*source.Page{page}}
	mgr.RegisterClient(client)

	result, err := mgr.RunIngestion(context.Background(), models.SourceJira, models.EntityIssue, "PROJ")
	if err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	if result.SuccessCount != 9 {
		t.Errorf("SuccessCount = %d, want 9", result.SuccessCount)
	}
	if result.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", result.FailedCount)
	}
	if result.Outcome != audit.OutcomePartial {
		t.Errorf("Outcome = %q, want partial", result.Outcome)
	}
	if store.recordCount() != 9 {
		t.Errorf("stored records = %d, want 9", store.recordCount())
	}
	// The bad payload stays dead lettered even after the reprocess pass.
	if store.failedCount() != 1 {
		t.Errorf("dead letter entries = %d, want 1", store.failedCount())
	}

	entries := auditLog.byAction(audit.ActionIngest)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomePartial {
		t.Fatalf("audit entries = %+v, want one partial entry", entries)
	}
}

func TestRunIngestion_FetchAbortLeavesCheckpointUntouched(t *testing.T) {
	mgr, store, auditLog, recorder := newTestManager(testConfig())
	client := &pagedClient{
		src:     models.SourceGitHub,
		pages:   commitPages(10, 10),
		failOn:  map[string]int{"1": 100},
		failErr: source.Transient("fetch", errors.New("upstream down")),
	}
	mgr.RegisterClient(client)
	ctx := context.Background()

	result, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err == nil {
		t.Fatal("RunIngestion() succeeded, want abort error")
	}
	if result == nil {
		t.Fatal("RunIngestion() returned nil result on abort")
	}
	if result.Outcome != audit.OutcomeFail {
		t.Errorf("Outcome = %q, want fail", result.Outcome)
	}

	// Page 1 records stay stored; the checkpoint does not advance.
	if store.recordCount() != 10 {
		t.Errorf("stored records = %d, want 10 from completed page", store.recordCount())
	}
	state, _ := store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if state != nil {
		t.Error("checkpoint advanced despite aborted run")
	}

	// Retry attempts were bounded by the configured maximum.
	if recorder.fetchErrors != testConfig().Ingest.RetryAttempts {
		t.Errorf("fetch errors = %d, want %d", recorder.fetchErrors, testConfig().Ingest.RetryAttempts)
	}

	entries := auditLog.byAction(audit.ActionIngest)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeFail {
		t.Fatalf("audit entries = %+v, want one fail entry", entries)
	}

	// The next run starts from the original window and picks up
	// everything; already-stored records dedupe.
	client.mu.Lock()
	client.failOn = map[string]int{}
	client.mu.Unlock()
	retry, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("retry RunIngestion() failed: %v", err)
	}
	if retry.SuccessCount != 10 || retry.SkippedCount != 10 {
		t.Errorf("retry success/skipped = %d/%d, want 10/10", retry.SuccessCount, retry.SkippedCount)
	}
}

func TestRunIngestion_CheckpointWriteFailureAbortsRun(t *testing.T) {
	mgr, store, auditLog, _ := newTestManager(testConfig())
	client := &pagedClient{src: models.SourceGitHub, pages: commitPages(3)}
	mgr.RegisterClient(client)
	store.syncStateErr = errors.New("disk full")
	ctx := context.Background()

	result, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if err == nil {
		t.Fatal("RunIngestion() succeeded, want checkpoint write error")
	}
	if result == nil {
		t.Fatal("RunIngestion() returned nil result on abort")
	}
	if result.Outcome != audit.OutcomeFail {
		t.Errorf("Outcome = %q, want fail", result.Outcome)
	}

	// Stored records stay stored; the checkpoint does not exist.
	if result.SuccessCount != 3 {
		t.Errorf("SuccessCount = %d, want 3", result.SuccessCount)
	}
	if store.recordCount() != 3 {
		t.Errorf("stored records = %d, want 3", store.recordCount())
	}
	state, _ := store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if state != nil {
		t.Error("checkpoint persisted despite write failure")
	}

	entries := auditLog.byAction(audit.ActionIngest)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeFail {
		t.Fatalf("audit entries = %+v, want one fail entry", entries)
	}

	// Clearing the failure lets the next run checkpoint normally.
	store.mu.Lock()
	store.syncStateErr = nil
	store.mu.Unlock()
	if _, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api"); err != nil {
		t.Fatalf("retry RunIngestion() failed: %v", err)
	}
	state, _ = store.GetSyncState(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
	if state == nil {
		t.Error("checkpoint missing after recovered run")
	}
}

func TestRunIngestion_KeylessRecordsDeadLetterDistinctly(t *testing.T) {
	mgr, store, _, _ := newTestManager(testConfig())

	// Two malformed elements without a natural key must not collapse
	// into one dead letter row.
	page := &source.Page{Records: []source.RawRecord{
		{Key: "", Payload: []byte(`{"broken": 1`)},
		{Key: "", Payload: []byte(`{"broken": 2`)},
	}}
	mgr.RegisterClient(&pagedClient{src: models.SourceGitHub, pages: []*source.Page{page}})

	result, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	if result.FailedCount != 2 {
		t.Errorf("FailedCount = %d, want 2", result.FailedCount)
	}
	if store.failedCount() != 2 {
		t.Errorf("dead letter entries = %d, want 2 distinct rows", store.failedCount())
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for sig := range store.failed {
		if !strings.Contains(sig, "unkeyed-") {
			t.Errorf("dead letter signature %q lacks a fallback key", sig)
		}
	}
}

func TestRunIngestion_RefetchedIssueUpdatedInPlace(t *testing.T) {
	mgr, store, _, _ := newTestManager(testConfig())
	v1 := &source.Page{Records: []source.RawRecord{
		{Key: "PROJ-1", Payload: issuePayloadWith("PROJ-1", "acct-1", "Open", "2026-08-10T09:00:00.000+0000")},
	}}
	client := &pagedClient{src: models.SourceJira, pages: []*source.Page{v1}}
	mgr.RegisterClient(client)
	ctx := context.Background()

	if _, err := mgr.RunIngestion(ctx, models.SourceJira, models.EntityIssue, "PROJ"); err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}

	// The issue changed upstream: a newer updated time replaces the
	// stored row instead of being skipped.
	v2 := &source.Page{Records: []source.RawRecord{
		{Key: "PROJ-1", Payload: issuePayloadWith("PROJ-1", "acct-1", "Done", "2026-08-12T14:30:00.000+0000")},
	}}
	client.mu.Lock()
	client.pages = []*source.Page{v2}
	client.mu.Unlock()

	second, err := mgr.RunIngestion(ctx, models.SourceJira, models.EntityIssue, "PROJ")
	if err != nil {
		t.Fatalf("second RunIngestion() failed: %v", err)
	}
	if second.SuccessCount != 1 || second.SkippedCount != 0 {
		t.Errorf("second run success/skipped = %d/%d, want 1/0", second.SuccessCount, second.SkippedCount)
	}
	if store.recordCount() != 1 {
		t.Errorf("stored records = %d, want 1 updated in place", store.recordCount())
	}

	sig := models.Signature(models.SourceJira, "PROJ", "PROJ-1")
	store.mu.Lock()
	rec := store.records[sig]
	store.mu.Unlock()
	if rec == nil {
		t.Fatalf("record %s missing after update", sig)
	}
	if rec.Status != "Done" {
		t.Errorf("Status = %q, want Done after re-ingestion", rec.Status)
	}

	// An identical re-fetch still dedupes.
	third, err := mgr.RunIngestion(ctx, models.SourceJira, models.EntityIssue, "PROJ")
	if err != nil {
		t.Fatalf("third RunIngestion() failed: %v", err)
	}
	if third.SkippedCount != 1 || third.SuccessCount != 0 {
		t.Errorf("third run skipped/success = %d/%d, want 1/0", third.SkippedCount, third.SuccessCount)
	}
}

func TestRunIngestion_ConcurrentRunRejected(t *testing.T) {
	mgr, _, _, _ := newTestManager(testConfig())
	client := &pagedClient{
		src:     models.SourceGitHub,
		pages:   commitPages(1),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	mgr.RegisterClient(client)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api")
		done <- err
	}()
	<-client.started

	// Same stream: rejected.
	if _, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/api"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent run error = %v, want ErrRunInProgress", err)
	}

	// Different target is a different stream and proceeds. Its first
	// fetch also blocks, so release both before asserting.
	close(client.block)
	if err := <-done; err != nil {
		t.Fatalf("blocked run failed: %v", err)
	}
	if _, err := mgr.RunIngestion(ctx, models.SourceGitHub, models.EntityCommit, "acme/web"); err != nil {
		t.Errorf("run for different stream failed: %v", err)
	}
}

func TestRunIngestion_UnknownSourceAndEntity(t *testing.T) {
	mgr, _, _, _ := newTestManager(testConfig())
	mgr.RegisterClient(&pagedClient{src: models.SourceGitHub, pages: commitPages(1)})

	if _, err := mgr.RunIngestion(context.Background(), "gitlab", models.EntityCommit, "x"); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("error = %v, want ErrUnknownSource", err)
	}
	if _, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, "deployment", "x"); err == nil {
		t.Error("unknown entity accepted, want error")
	}
}

func TestRunIngestion_IdentityResolution(t *testing.T) {
	mgr, store, _, _ := newTestManager(testConfig())

	// 5 commits, all authored by the same login.
	client := &pagedClient{src: models.SourceGitHub, pages: commitPages(5)}
	mgr.RegisterClient(client)

	result, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	if result.SuccessCount != 5 {
		t.Fatalf("SuccessCount = %d, want 5", result.SuccessCount)
	}
	if store.userCount() != 1 {
		t.Errorf("users created = %d, want 1 shared identity", store.userCount())
	}

	wantID := models.UserKey(models.SourceGitHub, "alice")
	store.mu.Lock()
	for sig, rec := range store.records {
		if rec.AuthorID == nil || *rec.AuthorID != wantID {
			t.Errorf("record %s AuthorID = %v, want %q", sig, rec.AuthorID, wantID)
		}
	}
	store.mu.Unlock()
}

func TestRunIngestion_DetailEnrichment(t *testing.T) {
	mgr, store, _, _ := newTestManager(testConfig())
	client := &pagedClient{
		src:   models.SourceGitHub,
		pages: commitPages(1),
		details: map[string]*source.Detail{
			"sha0000": {LinesAdded: 42, LinesDeleted: 7},
		},
	}
	mgr.RegisterClient(client)

	if _, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, models.EntityCommit, "acme/api"); err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, rec := range store.records {
		if rec.LinesAdded == nil || *rec.LinesAdded != 42 {
			t.Errorf("LinesAdded = %v, want 42 from detail endpoint", rec.LinesAdded)
		}
		if rec.LinesDeleted == nil || *rec.LinesDeleted != 7 {
			t.Errorf("LinesDeleted = %v, want 7 from detail endpoint", rec.LinesDeleted)
		}
	}
}

func TestDeadLetterReprocess_RecoversTransientStorageFailure(t *testing.T) {
	mgr, store, auditLog, _ := newTestManager(testConfig())
	client := &pagedClient{src: models.SourceGitHub, pages: commitPages(3)}
	mgr.RegisterClient(client)

	// One record fails storage exactly once, then succeeds on the dead
	// letter pass at the end of the run.
	sig := models.Signature(models.SourceGitHub, "acme/api", "sha0001")
	store.mu.Lock()
	store.upsertFailures[sig] = 1
	store.mu.Unlock()

	result, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, models.EntityCommit, "acme/api")
	if err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}
	if result.SuccessCount != 2 || result.FailedCount != 1 {
		t.Errorf("success/failed = %d/%d, want 2/1", result.SuccessCount, result.FailedCount)
	}
	if result.Outcome != audit.OutcomePartial {
		t.Errorf("Outcome = %q, want partial", result.Outcome)
	}

	// The reprocess pass recovered the record without a refetch.
	if store.recordCount() != 3 {
		t.Errorf("stored records = %d, want 3 after recovery", store.recordCount())
	}
	if store.failedCount() != 0 {
		t.Errorf("dead letter entries = %d, want 0 after recovery", store.failedCount())
	}

	dlEntries := auditLog.byAction(audit.ActionDeadLetter)
	if len(dlEntries) != 1 {
		t.Fatalf("dead letter audit entries = %d, want 1", len(dlEntries))
	}
	if dlEntries[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("dead letter audit outcome = %q, want success", dlEntries[0].Outcome)
	}
}

func TestRunIngestion_DeadLetterDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.DeadLetterEnabled = false
	mgr, store, auditLog, _ := newTestManager(cfg)

	page := &source.Page{Records: []source.RawRecord{
		{Key: "bad", Payload: []byte(`broken`)},
	}}
	mgr.RegisterClient(&pagedClient{src: models.SourceGitHub, pages: []*source.Page{page}})

	if _, err := mgr.RunIngestion(context.Background(), models.SourceGitHub, models.EntityCommit, "acme/api"); err != nil {
		t.Fatalf("RunIngestion() failed: %v", err)
	}

	// The payload is still captured, but no reprocess pass runs.
	if store.failedCount() != 1 {
		t.Errorf("dead letter entries = %d, want 1", store.failedCount())
	}
	if entries := auditLog.byAction(audit.ActionDeadLetter); len(entries) != 0 {
		t.Errorf("dead letter audit entries = %d, want 0 when disabled", len(entries))
	}
}

func TestRunAll_StreamsFailIndependently(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.Enabled = true
	cfg.GitHub.Repos = []string{"acme/api", "acme/web"}
	mgr, store, _, _ := newTestManager(cfg)

	// acme/api always fails; acme/web succeeds. The paged client keys
	// pages by cursor only, so use a per-target failure via failOn on the
	// start cursor of the first stream only: simulate with two clients is
	// not possible per source, so fail the first N calls instead.
	client := &pagedClient{
		src:     models.SourceGitHub,
		pages:   commitPages(4),
		failOn:  map[string]int{"start": cfg.Ingest.RetryAttempts},
		failErr: source.Transient("fetch", errors.New("down")),
	}
	mgr.RegisterClient(client)

	results := mgr.RunAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("RunAll() returned %d results, want 2", len(results))
	}
	if results[0].Outcome != audit.OutcomeFail {
		t.Errorf("first stream outcome = %q, want fail", results[0].Outcome)
	}
	if results[1].Outcome != audit.OutcomeSuccess {
		t.Errorf("second stream outcome = %q, want success", results[1].Outcome)
	}
	if store.recordCount() != 4 {
		t.Errorf("stored records = %d, want 4 from the healthy stream", store.recordCount())
	}
}

func TestManager_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.Enabled = true
	cfg.GitHub.Repos = []string{"acme/api"}
	mgr, store, _, _ := newTestManager(cfg)
	mgr.RegisterClient(&pagedClient{src: models.SourceGitHub, pages: commitPages(3)})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := mgr.Start(ctx); err == nil {
		t.Error("second Start() succeeded, want already-running error")
	}

	// Wait for the initial pass to land.
	deadline := time.After(2 * time.Second)
	for store.recordCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("initial run did not complete, stored = %d", store.recordCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	mgr.Stop()
	// Stop is idempotent.
	mgr.Stop()

	if mgr.LastRunTime().IsZero() {
		t.Error("LastRunTime() is zero after a completed run")
	}
}

func TestManager_BreakerStates(t *testing.T) {
	mgr, _, _, _ := newTestManager(testConfig())
	raw := &pagedClient{src: models.SourceGitHub, pages: commitPages(1)}
	mgr.RegisterClient(NewBreakerClient(raw, BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute}))

	states := mgr.BreakerStates()
	if states[models.SourceGitHub] != "closed" {
		t.Errorf("breaker state = %q, want closed", states[models.SourceGitHub])
	}
}

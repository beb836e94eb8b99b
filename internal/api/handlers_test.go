// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/config"
	"github.com/devpulse-io/devpulse/internal/ingest"
	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

type fakeRunner struct {
	result     *ingest.RunResult
	err        error
	lastSource string
	lastEntity string
	lastTarget string
}

func (f *fakeRunner) RunIngestion(_ context.Context, source, entity, target string) (*ingest.RunResult, error) {
	f.lastSource, f.lastEntity, f.lastTarget = source, entity, target
	return f.result, f.err
}

func (f *fakeRunner) BreakerStates() map[string]string {
	return map[string]string{"github": "closed"}
}

func (f *fakeRunner) LastRunTime() time.Time {
	return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
}

type fakeDataStore struct {
	records  []*models.Record
	cursor   string
	states   []*models.SyncState
	pingErr  error
	listErr  error
	total    int64
	deadByID map[string]int64
}

func (f *fakeDataStore) ListRecords(_ context.Context, _ *models.RecordFilter) ([]*models.Record, string, error) {
	return f.records, f.cursor, f.listErr
}

func (f *fakeDataStore) CountRecords(_ context.Context, _ string) (int64, error) {
	return f.total, nil
}

func (f *fakeDataStore) ListSyncStates(_ context.Context) ([]*models.SyncState, error) {
	return f.states, nil
}

func (f *fakeDataStore) CountFailedRecords(_ context.Context, src string) (int64, error) {
	return f.deadByID[src], nil
}

func (f *fakeDataStore) Ping(_ context.Context) error {
	return f.pingErr
}

type fakeAuditStore struct {
	entries []*audit.Entry
	filter  *audit.QueryFilter
}

func (f *fakeAuditStore) Record(_ context.Context, _ *audit.Entry) error { return nil }

func (f *fakeAuditStore) Query(_ context.Context, filter *audit.QueryFilter) ([]*audit.Entry, error) {
	f.filter = filter
	return f.entries, nil
}

func newTestServer(runner *fakeRunner, store *fakeDataStore, auditLog *fakeAuditStore) *httptest.Server {
	handler := NewHandler(runner, store, auditLog, metrics.NewRecorder(), "test")
	cfg := &config.ServerConfig{
		CORSOrigins:     []string{"*"},
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}
	return httptest.NewServer(NewRouter(handler, cfg).Setup())
}

func TestTriggerIngestion(t *testing.T) {
	runner := &fakeRunner{result: &ingest.RunResult{
		Source: "github", Entity: "commit", Target: "acme/api",
		SuccessCount: 42, Outcome: audit.OutcomeSuccess,
	}}
	srv := newTestServer(runner, &fakeDataStore{}, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/ingest/github/commit?target=acme/api", "", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result ingest.RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.SuccessCount != 42 {
		t.Errorf("SuccessCount = %d, want 42", result.SuccessCount)
	}
	if runner.lastSource != "github" || runner.lastEntity != "commit" || runner.lastTarget != "acme/api" {
		t.Errorf("runner called with (%s, %s, %s)", runner.lastSource, runner.lastEntity, runner.lastTarget)
	}
}

func TestTriggerIngestion_Errors(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		runnerErr  error
		wantStatus int
	}{
		{"missing target", "/api/v1/ingest/github/commit", nil, http.StatusBadRequest},
		{"run in progress", "/api/v1/ingest/github/commit?target=x", ingest.ErrRunInProgress, http.StatusConflict},
		{"unknown source", "/api/v1/ingest/gitlab/commit?target=x", ingest.ErrUnknownSource, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeRunner{err: tt.runnerErr}, &fakeDataStore{}, &fakeAuditStore{})
			defer srv.Close()

			resp, err := http.Post(srv.URL+tt.url, "", nil)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRecords(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeDataStore{
		records: []*models.Record{
			{Source: "github", Entity: "commit", Target: "acme/api", RecordID: "abc", RawSignature: "github:acme/api:abc", Title: "fix", OccurredAt: now, UpdatedAt: now, IngestedAt: now},
		},
		cursor: "next-page",
	}
	srv := newTestServer(&fakeRunner{}, store, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/records?source=github&limit=10")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Records    []*models.Record `json:"records"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(body.Records))
	}
	if body.NextCursor != "next-page" {
		t.Errorf("next_cursor = %q, want next-page", body.NextCursor)
	}
}

func TestRecords_BadParams(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeDataStore{}, &fakeAuditStore{})
	defer srv.Close()

	for _, url := range []string{
		"/api/v1/records?limit=zero",
		"/api/v1/records?limit=-5",
		"/api/v1/records?from=yesterday",
	} {
		resp, err := http.Get(srv.URL + url)
		if err != nil {
			t.Fatalf("GET %s failed: %v", url, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", url, resp.StatusCode)
		}
	}
}

func TestStatus(t *testing.T) {
	store := &fakeDataStore{
		total: 237,
		states: []*models.SyncState{
			{Source: "github", Entity: "commit", Target: "acme/api", LastSyncAt: time.Now().UTC()},
		},
		deadByID: map[string]int64{"github": 3},
	}
	srv := newTestServer(&fakeRunner{}, store, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Version      string            `json:"version"`
		RecordsTotal int64             `json:"records_total"`
		Breakers     map[string]string `json:"breakers"`
		DeadLetter   map[string]int64  `json:"dead_letter_pending"`
		LastRunAt    *time.Time        `json:"last_run_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RecordsTotal != 237 {
		t.Errorf("records_total = %d, want 237", body.RecordsTotal)
	}
	if body.Breakers["github"] != "closed" {
		t.Errorf("breakers = %v, want github closed", body.Breakers)
	}
	if body.DeadLetter["github"] != 3 {
		t.Errorf("dead_letter_pending = %v, want github 3", body.DeadLetter)
	}
	if body.LastRunAt == nil {
		t.Error("last_run_at missing")
	}
}

func TestAudit(t *testing.T) {
	auditLog := &fakeAuditStore{
		entries: []*audit.Entry{
			{Source: "jira", Entity: "issue", Target: "PROJ", Action: audit.ActionIngest, Outcome: audit.OutcomeFail, Message: "breaker open"},
		},
	}
	srv := newTestServer(&fakeRunner{}, &fakeDataStore{}, auditLog)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/audit?source=jira&outcome=fail&limit=5")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if auditLog.filter == nil || auditLog.filter.Source != "jira" || auditLog.filter.Outcome != "fail" || auditLog.filter.Limit != 5 {
		t.Errorf("query filter = %+v, want source/outcome/limit passed through", auditLog.filter)
	}

	var body struct {
		Entries []*audit.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Message != "breaker open" {
		t.Errorf("entries = %+v", body.Entries)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeDataStore{}, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	store := &fakeDataStore{pingErr: context.DeadlineExceeded}
	srv := newTestServer(&fakeRunner{}, store, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status field = %q, want degraded", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeDataStore{}, &fakeAuditStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/config"
	"github.com/devpulse-io/devpulse/internal/models"
	"github.com/devpulse-io/devpulse/internal/source"
)

// fakeStore is an in-memory Store implementation with optional failure
// injection keyed by raw signature.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.Record
	users   map[string]*models.User
	states  map[string]*models.SyncState
	failed  map[string]*models.FailedRecord

	// upsertFailures[sig] fails that many UpsertRecord calls before
	// letting them through.
	upsertFailures map[string]int

	// syncStateErr, when set, fails every UpsertSyncState call.
	syncStateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:        make(map[string]*models.Record),
		users:          make(map[string]*models.User),
		states:         make(map[string]*models.SyncState),
		failed:         make(map[string]*models.FailedRecord),
		upsertFailures: make(map[string]int),
	}
}

func (s *fakeStore) UpsertRecord(_ context.Context, rec *models.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertFailures[rec.RawSignature] > 0 {
		s.upsertFailures[rec.RawSignature]--
		return false, fmt.Errorf("injected storage failure for %s", rec.RawSignature)
	}
	_, existed := s.records[rec.RawSignature]
	s.records[rec.RawSignature] = rec
	return !existed, nil
}

func (s *fakeStore) GetRecordUpdatedAt(_ context.Context, sig string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sig]
	if !ok {
		return time.Time{}, false, nil
	}
	return rec.UpdatedAt, true, nil
}

func (s *fakeStore) GetOrCreateUser(_ context.Context, src, sourceUserID, displayName, email string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.UserKey(src, sourceUserID)
	if user, ok := s.users[key]; ok {
		return user, false, nil
	}
	now := time.Now().UTC()
	user := &models.User{
		UserID:       key,
		Source:       src,
		SourceUserID: sourceUserID,
		DisplayName:  displayName,
		Email:        email,
		Role:         models.DefaultRole,
		Team:         models.DefaultTeam,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[key] = user
	return user, true, nil
}

func (s *fakeStore) GetSyncState(_ context.Context, src, entity, target string) (*models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[src+"/"+entity+"/"+target]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *fakeStore) UpsertSyncState(_ context.Context, state *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncStateErr != nil {
		return s.syncStateErr
	}
	copied := *state
	s.states[state.Source+"/"+state.Entity+"/"+state.Target] = &copied
	return nil
}

func (s *fakeStore) SaveFailedRecord(_ context.Context, rec *models.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.failed[rec.RawSignature] = &copied
	return nil
}

func (s *fakeStore) ListFailedRecords(_ context.Context, src string, limit int) ([]*models.FailedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FailedRecord
	for _, rec := range s.failed {
		if rec.Source == src && len(out) < limit {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteFailedRecord(_ context.Context, sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, sig)
	return nil
}

func (s *fakeStore) CountFailedRecords(_ context.Context, src string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, rec := range s.failed {
		if rec.Source == src {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *fakeStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// fakeAudit collects audit entries in memory.
type fakeAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *fakeAudit) Record(_ context.Context, entry *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *entry
	a.entries = append(a.entries, &copied)
	return nil
}

func (a *fakeAudit) Query(_ context.Context, _ *audit.QueryFilter) ([]*audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*audit.Entry(nil), a.entries...), nil
}

func (a *fakeAudit) byAction(action string) []*audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*audit.Entry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// fakeRecorder is a no-op MetricsRecorder that counts invocations.
type fakeRecorder struct {
	mu          sync.Mutex
	runs        int
	fetchErrors int
}

func (r *fakeRecorder) RecordRun(_, _ string, _ time.Duration, _, _, _ int, _ string) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordFetchError(_, _ string) {
	r.mu.Lock()
	r.fetchErrors++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordPage(_ string, _ int)                 {}
func (r *fakeRecorder) RecordDeadLetter(_ string, _ int)           {}
func (r *fakeRecorder) RecordDeadLetterReprocess(_ string, _ bool) {}
func (r *fakeRecorder) RecordIdentityResolution(_ string, _ bool)  {}

// pagedClient serves scripted pages. The first page is keyed by the
// "since:" starting cursor; later pages by their numeric cursor.
type pagedClient struct {
	mu      sync.Mutex
	src     string
	pages   []*source.Page
	failOn  map[string]int // cursor key -> remaining failures
	failErr error
	details map[string]*source.Detail
	calls   int
	block   chan struct{} // when set, FetchPage waits for a signal
	started chan struct{} // closed on first FetchPage when block is set
}

func (c *pagedClient) Source() string { return c.src }

func (c *pagedClient) FetchPage(ctx context.Context, _, cursor string, _ int) (*source.Page, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if c.block != nil {
		if first && c.started != nil {
			close(c.started)
		}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	key := cursor
	if strings.HasPrefix(cursor, source.SincePrefix) {
		key = "start"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn[key] > 0 {
		c.failOn[key]--
		return nil, c.failErr
	}

	idx := 0
	if key != "start" {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("unexpected cursor %q", cursor)
		}
		idx = n
	}
	if idx >= len(c.pages) {
		return &source.Page{}, nil
	}
	return c.pages[idx], nil
}

func (c *pagedClient) FetchDetail(_ context.Context, _, key string) (*source.Detail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details[key], nil
}

func commitPayloadFor(sha, login string) []byte {
	return []byte(fmt.Sprintf(`{
		"sha": %q,
		"commit": {
			"message": "change %s",
			"author": {"name": "Dev %s", "email": "%s@example.com", "date": "2026-08-15T10:00:00Z"}
		},
		"author": {"login": %q, "id": 1}
	}`, sha, sha, login, login, login))
}

func issuePayloadFor(key, accountID string) []byte {
	return issuePayloadWith(key, accountID, "Open", "2026-08-10T09:00:00.000+0000")
}

func issuePayloadWith(key, accountID, status, updated string) []byte {
	return []byte(fmt.Sprintf(`{
		"key": %q,
		"fields": {
			"summary": "issue %s",
			"status": {"name": %q},
			"assignee": {"accountId": %q, "displayName": "Dev"},
			"created": "2026-08-10T09:00:00.000+0000",
			"updated": %q
		}
	}`, key, key, status, accountID, updated))
}

// commitPages builds scripted commit pages with the given sizes. SHAs are
// unique across all pages; every commit shares one author.
func commitPages(sizes ...int) []*source.Page {
	pages := make([]*source.Page, len(sizes))
	n := 0
	for i, size := range sizes {
		page := &source.Page{}
		for j := 0; j < size; j++ {
			sha := fmt.Sprintf("sha%04d", n)
			n++
			page.Records = append(page.Records, source.RawRecord{
				Key:     sha,
				Payload: commitPayloadFor(sha, "alice"),
			})
		}
		if i < len(sizes)-1 {
			page.NextCursor = strconv.Itoa(i + 1)
		}
		pages[i] = page
	}
	return pages
}

func testConfig() *config.Config {
	return &config.Config{
		Ingest: config.IngestConfig{
			Interval:                time.Hour,
			Lookback:                30 * 24 * time.Hour,
			PageSize:                100,
			RetryAttempts:           3,
			RetryBaseDelay:          time.Millisecond,
			RateLimitDelay:          time.Millisecond,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         time.Minute,
			DeadLetterEnabled:       true,
			DeadLetterBatch:         100,
		},
	}
}

func newTestManager(cfg *config.Config) (*Manager, *fakeStore, *fakeAudit, *fakeRecorder) {
	store := newFakeStore()
	auditLog := &fakeAudit{}
	recorder := &fakeRecorder{}
	return NewManager(store, auditLog, recorder, cfg), store, auditLog, recorder
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/ingest"
	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

// IngestRunner is the ingestion control surface the handlers need.
// *ingest.Manager satisfies it.
type IngestRunner interface {
	RunIngestion(ctx context.Context, source, entity, target string) (*ingest.RunResult, error)
	BreakerStates() map[string]string
	LastRunTime() time.Time
}

// DataStore is the read surface the handlers need. *database.DB
// satisfies it.
type DataStore interface {
	ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, string, error)
	CountRecords(ctx context.Context, source string) (int64, error)
	ListSyncStates(ctx context.Context) ([]*models.SyncState, error)
	CountFailedRecords(ctx context.Context, source string) (int64, error)
	Ping(ctx context.Context) error
}

// Handler implements the HTTP endpoints.
type Handler struct {
	runner    IngestRunner
	store     DataStore
	auditLog  audit.Store
	recorder  *metrics.Recorder
	version   string
	startTime time.Time
}

// NewHandler creates the endpoint handler.
func NewHandler(runner IngestRunner, store DataStore, auditLog audit.Store, recorder *metrics.Recorder, version string) *Handler {
	return &Handler{
		runner:    runner,
		store:     store,
		auditLog:  auditLog,
		recorder:  recorder,
		version:   version,
		startTime: time.Now(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// TriggerIngestion runs one ingestion pass for the stream named by the
// URL and the target query parameter. The run executes synchronously and
// the response carries its result.
//
// POST /api/v1/ingest/{source}/{entity}?target=acme/api
func (h *Handler) TriggerIngestion(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")
	entity := chi.URLParam(r, "entity")
	target := r.URL.Query().Get("target")
	if target == "" {
		writeError(w, http.StatusBadRequest, "target query parameter is required")
		return
	}

	result, err := h.runner.RunIngestion(r.Context(), src, entity, target)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ingest.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		// The run aborted; the partial result still describes what
		// happened before the abort.
		if result != nil {
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type recordsResponse struct {
	Records    []*models.Record `json:"records"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Records lists canonical records, newest first, with keyset pagination.
//
// GET /api/v1/records?source=&entity=&target=&from=&to=&limit=&cursor=
func (h *Handler) Records(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.RecordFilter{
		Source: q.Get("source"),
		Entity: q.Get("entity"),
		Target: q.Get("target"),
		Cursor: q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, param+" must be RFC3339")
				return
			}
			*dst = &t
		}
	}

	records, nextCursor, err := h.store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: records, NextCursor: nextCursor})
}

type statusResponse struct {
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	LastRunAt     *time.Time          `json:"last_run_at,omitempty"`
	RecordsTotal  int64               `json:"records_total"`
	Breakers      map[string]string   `json:"breakers"`
	SyncStates    []*models.SyncState `json:"sync_states"`
	RunStats      []metrics.RunStats  `json:"run_stats"`
	DeadLetter    map[string]int64    `json:"dead_letter_pending"`
}

// Status reports ingestion health: checkpoints, breaker states, run
// counters, and dead letter backlog.
//
// GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := h.store.ListSyncStates(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if states == nil {
		states = []*models.SyncState{}
	}

	total, err := h.store.CountRecords(ctx, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	deadLetter := make(map[string]int64)
	for src := range h.runner.BreakerStates() {
		pending, err := h.store.CountFailedRecords(ctx, src)
		if err != nil {
			continue
		}
		deadLetter[src] = pending
	}

	resp := statusResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		RecordsTotal:  total,
		Breakers:      h.runner.BreakerStates(),
		SyncStates:    states,
		RunStats:      h.recorder.Snapshot(),
		DeadLetter:    deadLetter,
	}
	if last := h.runner.LastRunTime(); !last.IsZero() {
		resp.LastRunAt = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// Audit queries the ingestion audit log, newest first.
//
// GET /api/v1/audit?source=&entity=&outcome=&from=&to=&limit=
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &audit.QueryFilter{
		Source:  q.Get("source"),
		Entity:  q.Get("entity"),
		Outcome: q.Get("outcome"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, param+" must be RFC3339")
				return
			}
			*dst = &t
		}
	}

	entries, err := h.auditLog.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

// Health reports liveness and database reachability.
//
// GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: h.version, Database: "ok"}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

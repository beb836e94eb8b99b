// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package services

import (
	"context"
	"fmt"
)

// IngestManager matches the ingest manager's Start/Stop lifecycle.
//
// Satisfied by *ingest.Manager. Start spawns the periodic run loop and
// returns immediately; Stop blocks until the loop's goroutines finish.
type IngestManager interface {
	Start(ctx context.Context) error
	Stop()
}

// IngestService wraps the ingest manager as a supervised service. It
// starts the manager, blocks until the context is canceled, then stops
// the manager and waits for its goroutines to drain.
type IngestService struct {
	manager IngestManager
	name    string
}

// NewIngestService creates a new ingest service wrapper.
func NewIngestService(manager IngestManager) *IngestService {
	return &IngestService{
		manager: manager,
		name:    "ingest-manager",
	}
}

// Serve implements suture.Service. A Start failure is returned so suture
// restarts the service according to its backoff policy.
func (s *IngestService) Serve(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("ingest manager start failed: %w", err)
	}

	<-ctx.Done()

	s.manager.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor log messages.
func (s *IngestService) String() string {
	return s.name
}

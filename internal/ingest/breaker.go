// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/source"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a request.
// It is not retryable; the run aborts and the next scheduled run probes
// the upstream again.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig controls the circuit breaker wrapped around each source
// client.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32
	// Cooldown is how long the circuit stays open before a single probe
	// request is allowed through.
	Cooldown time.Duration
}

// BreakerClient wraps a source.Client with circuit breaker protection.
// After FailureThreshold consecutive failures the circuit opens and all
// requests fail fast with ErrBreakerOpen until the cooldown elapses.
// A single successful probe closes the circuit again.
//
// The breaker tracks its cooldown with real time; tests use a short
// cooldown rather than mocking the clock.
type BreakerClient struct {
	client source.Client
	cb     *gobreaker.CircuitBreaker[*source.Page]
	detail *gobreaker.CircuitBreaker[*source.Detail]
	name   string
}

// NewBreakerClient wraps client with a circuit breaker named after the
// source. Page and detail fetches share failure accounting through the
// page breaker; detail fetches run through their own typed breaker that
// mirrors the same settings.
func NewBreakerClient(client source.Client, cfg BreakerConfig) *BreakerClient {
	name := client.Source() + "-api"

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	settings := gobreaker.Settings{
		Name: name,
		// A single probe request when half-open.
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	}

	detailSettings := settings
	detailSettings.Name = name + "-detail"
	detailSettings.OnStateChange = nil

	return &BreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker[*source.Page](settings),
		detail: gobreaker.NewCircuitBreaker[*source.Detail](detailSettings),
		name:   name,
	}
}

// Source returns the wrapped client's source identifier.
func (bc *BreakerClient) Source() string {
	return bc.client.Source()
}

// State returns the current breaker state as a string.
func (bc *BreakerClient) State() string {
	return stateToString(bc.cb.State())
}

// FetchPage fetches a page through the circuit breaker.
func (bc *BreakerClient) FetchPage(ctx context.Context, target, cursor string, pageSize int) (*source.Page, error) {
	page, err := bc.cb.Execute(func() (*source.Page, error) {
		return bc.client.FetchPage(ctx, target, cursor, pageSize)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "rejected").Inc()
			return nil, ErrBreakerOpen
		}
		metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "failure").Inc()
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "success").Inc()
	return page, nil
}

// FetchDetail fetches per-record detail through the circuit breaker.
func (bc *BreakerClient) FetchDetail(ctx context.Context, target, key string) (*source.Detail, error) {
	detail, err := bc.detail.Execute(func() (*source.Detail, error) {
		return bc.client.FetchDetail(ctx, target, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	return detail, nil
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/source"
)

// RetryConfig controls the retry behavior of upstream fetches.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; it doubles after
	// each subsequent failure.
	BaseDelay time.Duration
	// RateLimitDelay is used instead of the exponential delay when the
	// upstream signals rate limiting without a concrete retry-after hint.
	RateLimitDelay time.Duration
}

// withRetry executes fn with bounded exponential backoff. Only retryable
// errors (transient upstream failures and rate limits) are retried;
// anything else aborts immediately. Rate limit errors wait for the
// upstream's retry-after hint when one was provided. The context cancels
// both the operation and any backoff wait.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	delay := cfg.BaseDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !source.IsRetryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			wait := delay
			if kind, ok := source.KindOf(err); ok && kind == source.KindRateLimited {
				wait = cfg.RateLimitDelay
				if hint := source.RetryAfterHint(err); hint > 0 {
					wait = hint
				}
			}
			logging.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.MaxAttempts).
				Dur("delay", wait).
				Msg("Retrying upstream fetch")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	return fmt.Errorf("max retry attempts reached: %w", err)
}

// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package source

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a source client failure so that the retry wrapper and
// circuit breaker can branch on structure instead of matching error
// message substrings.
type Kind int

const (
	// KindTransient covers network failures, timeouts, and upstream 5xx
	// responses. Retryable.
	KindTransient Kind = iota

	// KindRateLimited covers HTTP 429 and quota-exhausted 403 responses.
	// Retryable, with a longer backoff than generic transient failures.
	KindRateLimited

	// KindForbidden covers authentication and permission failures.
	// Not retryable; retrying cannot succeed until credentials change.
	KindForbidden

	// KindMalformed covers rejected requests and undecodable payloads.
	// Not retryable.
	KindMalformed
)

// String returns the kind's wire/label form (used in logs and metrics).
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a classified source client failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the upstream's reset hint for rate-limited failures.
	// Zero when the upstream provided none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable transient failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err as a rate-limit failure with an optional reset hint.
func RateLimited(op string, err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// Forbidden wraps err as a non-retryable permission failure.
func Forbidden(op string, err error) *Error {
	return &Error{Kind: KindForbidden, Op: op, Err: err}
}

// Malformed wraps err as a non-retryable bad-request/bad-payload failure.
func Malformed(op string, err error) *Error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

// KindOf extracts the classification from err. The second return is false
// when err carries no *Error in its chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is worth retrying: transient and
// rate-limited failures are, everything else (forbidden, malformed,
// unclassified) is not.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindTransient || kind == KindRateLimited
}

// RetryAfterHint returns the upstream reset hint from a rate-limited err,
// or zero when none is available.
func RetryAfterHint(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

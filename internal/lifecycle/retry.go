// Copyright 2025 James Ross
package lifecycle

import (
	"math"
	"time"
)

// Outcome is the input to a RetryPredicate: either a backend response
// or a transport-level failure, never both. Callers construct it from
// an internal/dispatch result.
type Outcome struct {
	Status uint16 // zero if Err is set
	Err    error
}

// RetryPredicate is a pure function of its input (spec §4.1): it must
// not read request state, wall-clock time, or retry counters. The
// default below implements the spec's documented rule; callers may
// inject their own via daemon configuration.
type RetryPredicate func(Outcome) bool

// DefaultRetryPredicate retries on 5xx, 408, 429, or any transport error.
func DefaultRetryPredicate(o Outcome) bool {
	if o.Err != nil {
		return true
	}
	if o.Status >= 500 {
		return true
	}
	return o.Status == 408 || o.Status == 429
}

// Backoff computes delay_ms = min(max_ms, base_ms * factor^retryAttempt),
// spec §4.1. retryAttempt is the counter *before* incrementing.
func Backoff(retryAttempt int, baseMs, maxMs int64, factor float64) time.Duration {
	if retryAttempt < 0 {
		retryAttempt = 0
	}
	scaled := float64(baseMs) * math.Pow(factor, float64(retryAttempt))
	if scaled > float64(maxMs) {
		scaled = float64(maxMs)
	}
	if scaled < 0 {
		scaled = 0
	}
	return time.Duration(scaled) * time.Millisecond
}

// DeadlineAllowsRetry applies the boundary rule documented in spec §9's
// open question: a retry is permitted only if now + delay is strictly
// before expires_at. The boundary is exclusive, so a failure landing
// exactly at expires_at goes terminal Failed rather than re-Pending
// with zero delay.
func DeadlineAllowsRetry(now time.Time, delay time.Duration, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return true // ad-hoc requests with no owning batch never hit the deadline gate
	}
	return now.Add(delay).Before(expiresAt)
}

// NextAfterFailure decides the outcome of a Processing->{Pending,Failed}
// transition once retries are exhausted or the deadline gate closes
// (spec §4.1's "Failed -> Pending retry scheduling" row). It returns
// the Pending record to persist, or ok=false if the request must go
// terminal Failed instead.
func NextAfterFailure(f Failed, now time.Time, maxRetries int, baseMs, maxMs int64, factor float64, batchExpiresAt time.Time) (Pending, bool) {
	if f.RetryAttempt >= maxRetries {
		return Pending{}, false
	}
	delay := Backoff(f.RetryAttempt, baseMs, maxMs, factor)
	if !DeadlineAllowsRetry(now, delay, batchExpiresAt) {
		return Pending{}, false
	}
	notBefore := now.Add(delay)
	return Pending{
		Common:       f.Common,
		RetryAttempt: f.RetryAttempt + 1,
		NotBefore:    &notBefore,
	}, true
}

// Copyright 2025 James Ross
package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPredicate(t *testing.T) {
	require.True(t, DefaultRetryPredicate(Outcome{Status: 500}))
	require.True(t, DefaultRetryPredicate(Outcome{Status: 503}))
	require.True(t, DefaultRetryPredicate(Outcome{Status: 408}))
	require.True(t, DefaultRetryPredicate(Outcome{Status: 429}))
	require.True(t, DefaultRetryPredicate(Outcome{Err: errors.New("connection reset")}))
	require.False(t, DefaultRetryPredicate(Outcome{Status: 200}))
	require.False(t, DefaultRetryPredicate(Outcome{Status: 404}))
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, Backoff(0, 500, 30_000, 2.0))
	require.Equal(t, 1000*time.Millisecond, Backoff(1, 500, 30_000, 2.0))
	require.Equal(t, 2000*time.Millisecond, Backoff(2, 500, 30_000, 2.0))
	require.Equal(t, 30_000*time.Millisecond, Backoff(20, 500, 30_000, 2.0))
}

func TestDeadlineAllowsRetry(t *testing.T) {
	now := time.Now()
	require.True(t, DeadlineAllowsRetry(now, time.Second, time.Time{}))
	require.True(t, DeadlineAllowsRetry(now, time.Second, now.Add(2*time.Second)))
	require.False(t, DeadlineAllowsRetry(now, time.Second, now.Add(time.Second)))
	require.False(t, DeadlineAllowsRetry(now, time.Second, now))
}

func TestNextAfterFailureRetries(t *testing.T) {
	now := time.Now()
	f := Failed{Common: Common{ID: "r1"}, RetryAttempt: 1}
	p, ok := NextAfterFailure(f, now, 5, 500, 30_000, 2.0, time.Time{})
	require.True(t, ok)
	require.Equal(t, 2, p.RetryAttempt)
	require.NotNil(t, p.NotBefore)
	require.True(t, p.NotBefore.After(now))
}

func TestNextAfterFailureExhausted(t *testing.T) {
	now := time.Now()
	f := Failed{Common: Common{ID: "r1"}, RetryAttempt: 5}
	_, ok := NextAfterFailure(f, now, 5, 500, 30_000, 2.0, time.Time{})
	require.False(t, ok)
}

func TestNextAfterFailureDeadlineExceeded(t *testing.T) {
	now := time.Now()
	f := Failed{Common: Common{ID: "r1"}, RetryAttempt: 0}
	expires := now.Add(100 * time.Millisecond)
	_, ok := NextAfterFailure(f, now, 5, 500, 30_000, 2.0, expires)
	require.False(t, ok, "500ms backoff exceeds a 100ms deadline")
}

func TestResolveRoutedModel(t *testing.T) {
	now := time.Now()
	rule := EscalationRule{ThresholdSeconds: 60, Model: "gpt-4-fast"}

	close := now.Add(30 * time.Second)
	require.Equal(t, "gpt-4-fast", ResolveRoutedModel("gpt-4", close, now, rule, true))

	far := now.Add(24 * time.Hour)
	require.Equal(t, "gpt-4", ResolveRoutedModel("gpt-4", far, now, rule, true))

	require.Equal(t, "gpt-4", ResolveRoutedModel("gpt-4", time.Time{}, now, rule, true))
	require.Equal(t, "gpt-4", ResolveRoutedModel("gpt-4", close, now, EscalationRule{}, false))
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StatePending, StateClaimed))
	require.NoError(t, ValidateTransition(StateClaimed, StateProcessing))
	require.NoError(t, ValidateTransition(StateClaimed, StatePending))
	require.NoError(t, ValidateTransition(StateProcessing, StateCompleted))
	require.NoError(t, ValidateTransition(StateProcessing, StateFailed))
	require.NoError(t, ValidateTransition(StateFailed, StatePending))
	require.NoError(t, ValidateTransition(StatePending, StateCanceled))

	require.Error(t, ValidateTransition(StateCompleted, StatePending))
	require.Error(t, ValidateTransition(StateCanceled, StateClaimed))
	require.Error(t, ValidateTransition(StatePending, StateProcessing))
}

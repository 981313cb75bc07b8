// Copyright 2025 James Ross
package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/config"
	"github.com/batchforge/batchforge/internal/dispatch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/store/memstore"
	"github.com/batchforge/batchforge/internal/stream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		panic(err)
	}
	cfg.Daemon.ClaimBatchSize = 8
	cfg.Daemon.ClaimIntervalMs = 5
	cfg.Daemon.ClaimTimeoutMs = 50
	cfg.Daemon.ProcessingTimeoutMs = 50
	cfg.Daemon.ReclaimIntervalMs = 10
	cfg.Daemon.StatusLogIntervalMs = 0
	cfg.Daemon.DispatchTimeoutMs = 1000
	cfg.Daemon.MaxRetries = 3
	cfg.Daemon.Backoff = config.Backoff{BaseMs: 1, MaxMs: 5, Factor: 2.0}
	cfg.Daemon.DefaultModelConcurrency = 1
	cfg.Daemon.ModelConcurrencyLimits = map[string]int{}
	cfg.Daemon.Escalations = map[string]config.Escalation{}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, disp dispatch.Dispatcher) (*Daemon, *memstore.Store, *stream.Hub) {
	t.Helper()
	st := memstore.New()
	hub := stream.NewHub(16, nil)
	log := zap.NewNop()
	d := New(cfg, st, disp, hub, log)
	return d, st, hub
}

func seedRequest(t *testing.T, st *memstore.Store, id, model, method, path string) {
	t.Helper()
	tpl := files.RequestTemplate{ID: id + "-tpl", Method: method, Path: path, Model: model}
	require.NoError(t, st.PutTemplates(context.Background(), []files.RequestTemplate{tpl}))
	require.NoError(t, st.Submit(context.Background(), lifecycle.Pending{
		Common: lifecycle.Common{ID: id, TemplateID: tpl.ID, Model: model, CreatedAt: time.Now()},
	}))
}

func runFor(ctx context.Context, d *Daemon, dur time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()
	_ = d.Run(runCtx)
}

// TestHappyPathCompletion exercises spec §8 scenario 1: a single
// ad-hoc request submitted, claimed, dispatched, and completed.
func TestHappyPathCompletion(t *testing.T) {
	cfg := testConfig()
	mock := dispatch.NewMock()
	mock.Enqueue("GET", "/v1/ping", dispatch.CannedResponse{Result: dispatch.Result{Status: 200, Body: "pong"}})
	d, st, _ := newTestDaemon(t, cfg, mock)
	seedRequest(t, st, "r1", "gpt-test", "GET", "/v1/ping")

	ctx := context.Background()
	runFor(ctx, d, 200*time.Millisecond)

	results, errs := st.GetRequests(ctx, []string{"r1"})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StateCompleted, results[0].State)
	require.Equal(t, uint16(200), results[0].Completed.ResponseStatus)
	require.Equal(t, "pong", results[0].Completed.ResponseBody)
}

// TestPerModelConcurrencyCap exercises spec §8 scenario 2: with a
// concurrency cap of 1 for a model, two claimed requests for that
// model are never dispatched simultaneously.
func TestPerModelConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Daemon.ModelConcurrencyLimits = map[string]int{"capped-model": 1}
	mock := dispatch.NewMock()
	hold := make(chan struct{})
	mock.Enqueue("GET", "/v1/slow", dispatch.CannedResponse{Result: dispatch.Result{Status: 200}, Hold: hold})
	mock.Enqueue("GET", "/v1/slow", dispatch.CannedResponse{Result: dispatch.Result{Status: 200}})

	d, st, _ := newTestDaemon(t, cfg, mock)
	seedRequest(t, st, "r1", "capped-model", "GET", "/v1/slow")
	seedRequest(t, st, "r2", "capped-model", "GET", "/v1/slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return mock.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), mock.InFlight(), "only one in-flight call should exist for the capped model")

	close(hold)
	require.Eventually(t, func() bool {
		results, errs := st.GetRequests(context.Background(), []string{"r1", "r2"})
		return errs[0] == nil && errs[1] == nil &&
			results[0].State == lifecycle.StateCompleted && results[1].State == lifecycle.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
}

// TestRetriesOnTransientError exercises spec §8 scenario 3: a request
// that fails with a retriable status is re-pended with an incremented
// retry counter and eventually completes once the transient condition
// clears.
func TestRetriesOnTransientError(t *testing.T) {
	cfg := testConfig()
	mock := dispatch.NewMock()
	mock.Enqueue("POST", "/v1/flaky", dispatch.CannedResponse{Result: dispatch.Result{Status: 503}})
	mock.Enqueue("POST", "/v1/flaky", dispatch.CannedResponse{Result: dispatch.Result{Status: 200, Body: "ok"}})

	d, st, _ := newTestDaemon(t, cfg, mock)
	seedRequest(t, st, "r1", "gpt-test", "POST", "/v1/flaky")

	ctx := context.Background()
	runFor(ctx, d, 500*time.Millisecond)

	results, errs := st.GetRequests(ctx, []string{"r1"})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StateCompleted, results[0].State, "request should retry past the 503 and complete")
	require.Equal(t, 2, mock.CallCount("POST", "/v1/flaky"))
}

// TestDeadlineDrivenEscalation exercises spec §8 scenario 4: once a
// batch's deadline is within the escalation threshold, a claimed
// request is dispatched against the escalation model instead of its
// original target.
func TestDeadlineDrivenEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.Daemon.Escalations = map[string]config.Escalation{
		"slow-model": {ThresholdSeconds: 3600, Model: "fast-model"},
	}
	mock := dispatch.NewMock()
	mock.Enqueue("GET", "/v1/ping", dispatch.CannedResponse{Result: dispatch.Result{Status: 200}})

	d, st, _ := newTestDaemon(t, cfg, mock)

	now := time.Now()
	b := mustBatch(t, "b1", now, 10*time.Minute)
	require.NoError(t, st.PutBatch(context.Background(), b))

	tpl := files.RequestTemplate{ID: "tpl1", Method: "GET", Path: "/v1/ping", Model: "slow-model"}
	require.NoError(t, st.PutTemplates(context.Background(), []files.RequestTemplate{tpl}))
	require.NoError(t, st.Submit(context.Background(), lifecycle.Pending{
		Common: lifecycle.Common{ID: "r1", TemplateID: tpl.ID, BatchID: b.ID, Model: "slow-model", CreatedAt: now},
	}))

	runFor(context.Background(), d, 200*time.Millisecond)

	results, errs := st.GetRequests(context.Background(), []string{"r1"})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StateCompleted, results[0].State)
	require.Equal(t, "fast-model", results[0].Completed.RoutedModel, "imminent deadline should have escalated to fast-model")
}

// TestCancelDuringProcessingIsHonored exercises spec §8 scenario 5: a
// request canceled while Processing must never be overwritten with a
// later Completed or Failed record.
func TestCancelDuringProcessingIsHonored(t *testing.T) {
	cfg := testConfig()
	mock := dispatch.NewMock()
	hold := make(chan struct{})
	mock.Enqueue("GET", "/v1/slow", dispatch.CannedResponse{Result: dispatch.Result{Status: 200}, Hold: hold})

	d, st, _ := newTestDaemon(t, cfg, mock)
	seedRequest(t, st, "r1", "gpt-test", "GET", "/v1/slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return mock.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	canceled := lifecycle.Canceled{Common: lifecycle.Common{ID: "r1"}, CanceledAt: time.Now()}
	require.NoError(t, st.Persist(context.Background(), lifecycle.AsCanceled(canceled)))

	close(hold)
	time.Sleep(100 * time.Millisecond)
	cancel()

	results, errs := st.GetRequests(context.Background(), []string{"r1"})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StateCanceled, results[0].State, "daemon must not clobber a Canceled request with Completed")
}

// TestCrashRecoveryReclaimsStuckRequests exercises spec §8 scenario 6:
// a request stuck in Claimed past the claim timeout is swept back to
// Pending by the periodic reclaim loop and eventually completes.
func TestCrashRecoveryReclaimsStuckRequests(t *testing.T) {
	cfg := testConfig()
	mock := dispatch.NewMock()
	mock.Enqueue("GET", "/v1/ping", dispatch.CannedResponse{Result: dispatch.Result{Status: 200}})

	d, st, _ := newTestDaemon(t, cfg, mock)

	now := time.Now()
	tpl := files.RequestTemplate{ID: "tpl1", Method: "GET", Path: "/v1/ping", Model: "gpt-test"}
	require.NoError(t, st.PutTemplates(context.Background(), []files.RequestTemplate{tpl}))
	require.NoError(t, st.Submit(context.Background(), lifecycle.Pending{
		Common: lifecycle.Common{ID: "r1", TemplateID: tpl.ID, Model: "gpt-test", CreatedAt: now.Add(-time.Hour)},
	}))
	// Simulate a crashed daemon: move directly to Claimed with an
	// ancient claimed_at, bypassing ClaimRequests.
	require.NoError(t, st.Persist(context.Background(), lifecycle.AsClaimed(lifecycle.Claimed{
		Common:    lifecycle.Common{ID: "r1", TemplateID: tpl.ID, Model: "gpt-test", CreatedAt: now.Add(-time.Hour)},
		DaemonID:  "dead-daemon",
		ClaimedAt: now.Add(-time.Hour),
	})))

	runFor(context.Background(), d, 300*time.Millisecond)

	results, errs := st.GetRequests(context.Background(), []string{"r1"})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StateCompleted, results[0].State, "stuck claimed request should be reclaimed and completed")
}

func mustBatch(t *testing.T, id string, createdAt time.Time, window time.Duration) batch.Batch {
	t.Helper()
	b, err := batch.NewBatch(id, "f1", "http://mock/v1/ping", fmt.Sprintf("%dm", int(window.Minutes())), createdAt, "user-1")
	require.NoError(t, err)
	return b
}

// Copyright 2025 James Ross
package admin

import (
	"context"
	"testing"
	"time"

	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/query"
	"github.com/batchforge/batchforge/internal/store/memstore"
	"github.com/batchforge/batchforge/internal/stream"
	"github.com/stretchr/testify/require"
)

func newHarness() (*query.Engine, *memstore.Store) {
	st := memstore.New()
	hub := stream.NewHub(16, nil)
	return query.New(st, hub), st
}

func TestStatsGroupsPendingByModel(t *testing.T) {
	e, st := newHarness()
	results := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/a", Model: "gpt-4"},
		{Method: "GET", Path: "/v1/b", Model: "gpt-4"},
		{Method: "GET", Path: "/v1/c", Model: "gpt-3.5"},
	})
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	stats, err := Stats(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PendingByModel["gpt-4"])
	require.Equal(t, 1, stats.PendingByModel["gpt-3.5"])
	require.Equal(t, 3, stats.TotalPending)
}

func TestPeekReturnsOldestFirst(t *testing.T) {
	e, st := newHarness()
	first := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/a", Model: "gpt-4"},
	})
	time.Sleep(time.Millisecond)
	second := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/b", Model: "gpt-4"},
	})

	rows, err := Peek(context.Background(), st, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, first[0].ID, rows[0].ID)
	require.Equal(t, second[0].ID, rows[1].ID)
}

func TestCancelAllTransitionsEveryID(t *testing.T) {
	e, st := newHarness()
	results := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/a", Model: "gpt-4"},
		{Method: "GET", Path: "/v1/b", Model: "gpt-4"},
	})
	ids := []string{results[0].ID, results[1].ID}

	out := CancelAll(context.Background(), e, ids)
	require.Len(t, out, 2)
	require.NoError(t, out[0].Err)
	require.NoError(t, out[1].Err)

	rows, errs := st.GetRequests(context.Background(), ids)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, lifecycle.StateCanceled, rows[0].State)
	require.Equal(t, lifecycle.StateCanceled, rows[1].State)
}

func TestBatchInfoReturnsStaticAndDerivedFields(t *testing.T) {
	e, st := newHarness()
	tpls := []files.RequestTemplate{
		{ID: "t1", FileID: "file-1", Method: "POST", Path: "/v1/a", Model: "gpt-4", CreatedAt: time.Now()},
	}
	require.NoError(t, st.PutTemplates(context.Background(), tpls))
	batchID, err := e.CreateBatch(context.Background(), "file-1", "http://mock", "1h", "user-1")
	require.NoError(t, err)

	summary, err := BatchInfo(context.Background(), st, batchID)
	require.NoError(t, err)
	require.Equal(t, batchID, summary.Batch.ID)
	require.Equal(t, 1, summary.Status.Total)
	require.Equal(t, 1, summary.Status.Pending)
}

func TestBenchReportsThroughputAndLatency(t *testing.T) {
	e, st := newHarness()
	_ = st

	// Every submitted request is claimed and walked through Processing
	// to Completed as soon as it appears, simulating a daemon that
	// always succeeds, so Bench's polling loop has something to observe
	// without needing a live dispatcher in this package's test scope.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		done := 0
		for done < 5 && time.Now().Before(deadline) {
			claimed, _ := st.ClaimRequests(context.Background(), 100, "bench-test")
			for _, c := range claimed {
				p := lifecycle.StartProcessing(c, time.Now())
				_ = st.Persist(context.Background(), lifecycle.AsProcessing(p))
				_ = st.Persist(context.Background(), lifecycle.AsCompleted(lifecycle.Completed{
					Common:         p.Common,
					ClaimedAt:      p.ClaimedAt,
					StartedAt:      p.StartedAt,
					ResponseStatus: 200,
					ResponseBody:   "ok",
					CompletedAt:    time.Now(),
				}))
				done++
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := Bench(context.Background(), e, "http://mock", "gpt-4", "/v1/ping", 5, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, res.Count)
	require.Equal(t, 5, res.Completed)
	require.Equal(t, 0, res.Failed)
}

func TestResubmitRequiresFailedState(t *testing.T) {
	e, st := newHarness()
	results := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/a", Model: "gpt-4"},
	})
	id := results[0].ID

	// Still Pending: resubmit should reject it.
	out := Resubmit(context.Background(), e, st, "http://mock", []string{id})
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
}

func TestResubmitMaterializesFreshRequestFromFailed(t *testing.T) {
	e, st := newHarness()
	results := e.SubmitRequests(context.Background(), "http://mock", []query.SubmitItem{
		{Method: "GET", Path: "/v1/a", Model: "gpt-4"},
	})
	id := results[0].ID
	claimed, err := st.ClaimRequests(context.Background(), 1, "d1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	processing := lifecycle.StartProcessing(claimed[0], time.Now())
	require.NoError(t, st.Persist(context.Background(), lifecycle.AsProcessing(processing)))
	require.NoError(t, st.Persist(context.Background(), lifecycle.AsFailed(lifecycle.Failed{
		Common:   processing.Common,
		Error:    "exhausted retries",
		FailedAt: time.Now(),
	})))

	out := Resubmit(context.Background(), e, st, "http://mock", []string{id})
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.NotEmpty(t, out[0].NewID)
	require.NotEqual(t, id, out[0].NewID)

	rows, errs := st.GetRequests(context.Background(), []string{out[0].NewID})
	require.NoError(t, errs[0])
	require.Equal(t, lifecycle.StatePending, rows[0].State)
}

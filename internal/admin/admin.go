// Copyright 2025 James Ross

// Package admin implements the read-side and maintenance operations
// batchctl needs on top of the query and storage layers: aggregate
// backlog stats, pending/batch peeking, bulk cancellation, and a
// synthetic load-generating benchmark. Grounded on the teacher's
// internal/admin (Stats/Peek/PurgeDLQ/Bench), adapted from Redis list
// introspection to internal/store.Storage and internal/query.Engine.
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/query"
	"github.com/batchforge/batchforge/internal/store"
)

// StatsResult summarizes the current backlog, grouped the way the
// teacher's Stats groups queue lengths by alias.
type StatsResult struct {
	PendingByModel map[string]int `json:"pending_by_model"`
	TotalPending   int            `json:"total_pending"`
}

// Stats reports the current Pending backlog broken down by model
// (spec §6's "get stats" convenience, used by batchctl's status view).
func Stats(ctx context.Context, st store.Storage) (StatsResult, error) {
	counts, err := st.PendingCountByModel(ctx)
	if err != nil {
		return StatsResult{}, fmt.Errorf("pending count by model: %w", err)
	}
	res := StatsResult{PendingByModel: counts}
	for _, n := range counts {
		res.TotalPending += n
	}
	return res, nil
}

// Peek returns up to n Pending requests, oldest first, the batchctl
// analogue of the teacher's queue Peek.
func Peek(ctx context.Context, st store.Storage, n int) ([]lifecycle.Pending, error) {
	if n <= 0 {
		n = 10
	}
	return st.ViewPending(ctx, n, "")
}

// CancelResult is the per-id outcome of a bulk cancel.
type CancelResult struct {
	ID  string
	Err error
}

// CancelAll cancels every id, the batchctl analogue of the teacher's
// PurgeDLQ — except nothing here is destructive: Canceled rows stay
// in storage as an auditable terminal state rather than being deleted.
func CancelAll(ctx context.Context, e *query.Engine, ids []string) []CancelResult {
	results := e.CancelRequests(ctx, ids)
	out := make([]CancelResult, len(results))
	for i, r := range results {
		out[i] = CancelResult{ID: r.ID, Err: r.Err}
	}
	return out
}

// BatchSummary pairs a Batch's static fields with its derived status,
// the batchctl analogue of the teacher's combined Peek+Stats view for
// one queue.
type BatchSummary struct {
	Batch  batch.Batch
	Status batch.Status
}

// BatchInfo returns a batch's static fields plus its current derived
// status.
func BatchInfo(ctx context.Context, st store.Storage, batchID string) (BatchSummary, error) {
	b, err := st.GetBatch(ctx, batchID)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("get batch: %w", err)
	}
	status, err := st.GetBatchStatus(ctx, batchID)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("get batch status: %w", err)
	}
	return BatchSummary{Batch: b, Status: status}, nil
}

// BenchResult reports the throughput and latency distribution of a
// synthetic submit-and-wait load run, the batchctl analogue of the
// teacher's Bench.
type BenchResult struct {
	Count      int           `json:"count"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_requests_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench submits count synthetic GET requests for model against
// endpoint through e, then polls GetStatus until every one reaches a
// terminal state or timeout elapses, reporting throughput and tail
// latency the way the teacher's -admin-cmd bench does for its own
// enqueue-then-watch-completed-list loop.
func Bench(ctx context.Context, e *query.Engine, endpoint, model, path string, count int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}

	items := make([]query.SubmitItem, count)
	for i := range items {
		items[i] = query.SubmitItem{Method: "GET", Path: path, Model: model}
	}

	start := time.Now()
	submitted := e.SubmitRequests(ctx, endpoint, items)
	ids := make([]string, 0, count)
	submitTimes := make(map[string]time.Time, count)
	for _, s := range submitted {
		if s.Err == nil {
			ids = append(ids, s.ID)
			submitTimes[s.ID] = start
		}
	}

	deadline := time.Now().Add(timeout)
	latencies := make([]float64, 0, len(ids))
	pending := append([]string(nil), ids...)
	for len(pending) > 0 && time.Now().Before(deadline) {
		statuses := e.GetStatus(ctx, pending)
		next := pending[:0]
		for i, s := range statuses {
			if s.Err != nil || !s.Request.State.Terminal() {
				next = append(next, pending[i])
				continue
			}
			latencies = append(latencies, time.Since(submitTimes[s.ID]).Seconds())
			if s.Request.State == lifecycle.StateCompleted {
				res.Completed++
			} else {
				res.Failed++
			}
		}
		pending = next
		if len(pending) > 0 {
			time.Sleep(25 * time.Millisecond)
		}
	}

	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(res.Completed+res.Failed) / res.Duration.Seconds()
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		res.P50 = time.Duration(latencies[int(math.Round(0.50*float64(len(latencies)-1)))] * float64(time.Second))
		res.P95 = time.Duration(latencies[int(math.Round(0.95*float64(len(latencies)-1)))] * float64(time.Second))
	}
	return res, nil
}

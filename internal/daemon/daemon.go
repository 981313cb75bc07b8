// Copyright 2025 James Ross

// Package daemon implements the daemon scheduler (spec C4): the
// cooperative claim loop, per-model concurrency semaphores, dispatch,
// retry arithmetic, and recovery sweeps. Grounded on the teacher's
// internal/worker (claim loop + backoff + circuit breaker) and
// internal/reaper (periodic stuck-row sweep), generalized from
// per-worker Redis list ownership to per-request store transitions.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/batchforge/batchforge/internal/breaker"
	"github.com/batchforge/batchforge/internal/config"
	"github.com/batchforge/batchforge/internal/dispatch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/obs"
	"github.com/batchforge/batchforge/internal/store"
	"github.com/batchforge/batchforge/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Daemon is a single scheduler instance (spec §4.4's "State"): a
// unique id, a lazily-grown per-model semaphore table, an in-flight
// counter, and a cancellation-aware main loop.
type Daemon struct {
	id   string
	cfg  *config.Config
	st   store.Storage
	disp dispatch.Dispatcher
	hub  *stream.Hub
	log  *zap.Logger

	predicate lifecycle.RetryPredicate

	semMu  sync.Mutex
	semTab map[string]*semaphore.Weighted

	breakerMu sync.Mutex
	breakers  map[string]*breaker.CircuitBreaker

	inFlight int64
	inFlMu   sync.Mutex

	wg sync.WaitGroup
}

// Option customizes a Daemon at construction.
type Option func(*Daemon)

// WithRetryPredicate overrides DefaultRetryPredicate (spec §4.1 allows
// callers to inject a different predicate).
func WithRetryPredicate(p lifecycle.RetryPredicate) Option {
	return func(d *Daemon) { d.predicate = p }
}

// New constructs a Daemon with a freshly generated short id (spec
// C.1, ported from the Rust source's DaemonId.to_short_string()).
func New(cfg *config.Config, st store.Storage, disp dispatch.Dispatcher, hub *stream.Hub, log *zap.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		id:        newDaemonID(),
		cfg:       cfg,
		st:        st,
		disp:      disp,
		hub:       hub,
		log:       log,
		predicate: lifecycle.DefaultRetryPredicate,
		semTab:    make(map[string]*semaphore.Weighted),
		breakers:  make(map[string]*breaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns this daemon's short id, used in logs and the daemon_id column.
func (d *Daemon) ID() string { return d.id }

func newDaemonID() string {
	host, _ := os.Hostname()
	suffix := fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	if host == "" {
		return "daemon_" + suffix
	}
	return fmt.Sprintf("daemon_%s_%s", host, suffix)
}

func (d *Daemon) semaphoreFor(model string) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	sem, ok := d.semTab[model]
	if !ok {
		sem = semaphore.NewWeighted(int64(d.cfg.ConcurrencyFor(model)))
		d.semTab[model] = sem
	}
	return sem
}

func (d *Daemon) breakerFor(model string) *breaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	cb, ok := d.breakers[model]
	if !ok {
		cb = breaker.New(d.cfg.CircuitBreaker.Window, d.cfg.CircuitBreaker.CooldownPeriod, d.cfg.CircuitBreaker.FailureThreshold, d.cfg.CircuitBreaker.MinSamples)
		d.breakers[model] = cb
	}
	return cb
}

func (d *Daemon) incInFlight(delta int64) {
	d.inFlMu.Lock()
	d.inFlight += delta
	d.inFlMu.Unlock()
	obs.DaemonInFlight.Add(float64(delta))
}

// InFlight returns the number of requests this daemon is currently dispatching.
func (d *Daemon) InFlight() int64 {
	d.inFlMu.Lock()
	defer d.inFlMu.Unlock()
	return d.inFlight
}

// Run is the main cooperative loop (spec §4.4). It blocks until ctx
// is canceled, then stops claiming new work and waits for in-flight
// child tasks to drain before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.wg.Add(2)
	go d.statusLogLoop(ctx)
	go d.reclaimLoop(ctx)

	claimInterval := time.Duration(d.cfg.Daemon.ClaimIntervalMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		default:
		}

		claimCtx, span := obs.StartClaimSpan(ctx, d.id, d.cfg.Daemon.ClaimBatchSize)
		claimed, err := d.st.ClaimRequests(claimCtx, d.cfg.Daemon.ClaimBatchSize, d.id)
		if err != nil {
			obs.RecordError(claimCtx, err)
			span.End()
			d.log.Warn("claim_requests failed", obs.Err(err))
			time.Sleep(claimInterval)
			continue
		}
		obs.SetSpanSuccess(claimCtx)
		span.End()

		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				d.wg.Wait()
				return ctx.Err()
			case <-time.After(claimInterval):
			}
			continue
		}
		obs.RequestsClaimed.Add(float64(len(claimed)))

		for _, c := range claimed {
			d.dispatchOne(ctx, c)
		}
	}
}

// dispatchOne implements spec §4.4 step 5: resolve the routed model,
// try a non-blocking semaphore acquire, and either spawn the dispatch
// task or unclaim back to Pending.
func (d *Daemon) dispatchOne(ctx context.Context, c lifecycle.Claimed) {
	routedModel := d.resolveRoutedModel(ctx, c)
	c.RoutedModel = routedModel

	sem := d.semaphoreFor(routedModel)
	if !sem.TryAcquire(1) {
		obs.ModelSemaphoreWaiters.WithLabelValues(routedModel).Inc()
		unclaimed := lifecycle.Unclaim(c)
		if err := d.st.Persist(ctx, lifecycle.AsPending(unclaimed)); err != nil {
			d.log.Warn("unclaim failed", obs.String("request_id", c.ID), obs.Err(err))
		} else {
			d.publish(c.ID, lifecycle.StatePending)
		}
		return
	}

	cb := d.breakerFor(routedModel)
	if !cb.Allow() {
		sem.Release(1)
		unclaimed := lifecycle.Unclaim(c)
		if err := d.st.Persist(ctx, lifecycle.AsPending(unclaimed)); err != nil {
			d.log.Warn("unclaim failed (breaker open)", obs.String("request_id", c.ID), obs.Err(err))
		} else {
			d.publish(c.ID, lifecycle.StatePending)
		}
		return
	}

	obs.InflightDispatches.WithLabelValues(routedModel).Inc()
	d.incInFlight(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer sem.Release(1)
		defer obs.InflightDispatches.WithLabelValues(routedModel).Dec()
		defer d.incInFlight(-1)
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in dispatch goroutine",
					obs.String("request_id", c.ID), obs.String("model", routedModel),
					obs.Any("panic", r))
			}
		}()
		d.runOne(ctx, c, cb)
	}()
}

func (d *Daemon) resolveRoutedModel(ctx context.Context, c lifecycle.Claimed) string {
	rule, ok := d.cfg.EscalationFor(c.Model)
	if !ok || c.BatchID == "" {
		return c.Model
	}
	b, err := d.st.GetBatch(ctx, c.BatchID)
	if err != nil {
		return c.Model
	}
	return lifecycle.ResolveRoutedModel(c.Model, b.ExpiresAt, time.Now(), lifecycle.EscalationRule{
		ThresholdSeconds: rule.ThresholdSeconds,
		Model:            rule.Model,
	}, true)
}

// runOne drives one claimed request through Processing and into a
// terminal or retried state (spec §4.4 step 5c).
func (d *Daemon) runOne(ctx context.Context, c lifecycle.Claimed, cb *breaker.CircuitBreaker) {
	start := time.Now()
	dispatchCtx, span := obs.ContextWithRequestSpan(ctx, c.ID, c.Model, c.RoutedModel, c.RetryAttempt)
	defer span.End()

	processing := lifecycle.StartProcessing(c, start)
	processing.RoutedModel = c.RoutedModel
	if err := d.st.Persist(dispatchCtx, lifecycle.AsProcessing(processing)); err != nil {
		obs.RecordError(dispatchCtx, err)
		d.log.Warn("persist Processing failed", obs.String("request_id", c.ID), obs.Err(err))
		return
	}
	d.publish(c.ID, lifecycle.StateProcessing)

	tpl, err := d.templateFor(dispatchCtx, c.TemplateID)
	if err != nil {
		d.failOrRetry(dispatchCtx, processing, lifecycle.Outcome{Err: err}, cb)
		return
	}
	tpl.Model = processing.RoutedModel

	result, dispatchErr := d.disp.Send(dispatchCtx, tpl, d.cfg.Daemon.DispatchTimeoutMs)
	outcome := lifecycle.Outcome{Status: result.Status, Err: dispatchErr}

	if dispatchErr == nil && !d.predicate(outcome) {
		cb.Record(true)
		completed := lifecycle.Completed{
			Common:         processing.Common,
			ClaimedAt:      processing.ClaimedAt,
			StartedAt:      processing.StartedAt,
			CompletedAt:    time.Now(),
			ResponseStatus: result.Status,
			ResponseBody:   result.Body,
		}
		if err := d.checkNotCanceled(dispatchCtx, c.ID); err != nil {
			return // caller already canceled; persisting Completed would be illegal
		}
		if err := d.st.Persist(dispatchCtx, lifecycle.AsCompleted(completed)); err != nil {
			obs.RecordError(dispatchCtx, err)
			d.log.Warn("persist Completed failed", obs.String("request_id", c.ID), obs.Err(err))
			return
		}
		obs.SetSpanSuccess(dispatchCtx)
		obs.RequestsCompleted.Inc()
		obs.RequestProcessingDuration.Observe(time.Since(start).Seconds())
		d.publish(c.ID, lifecycle.StateCompleted)
		return
	}

	d.failOrRetry(dispatchCtx, processing, outcome, cb)
	obs.RequestProcessingDuration.Observe(time.Since(start).Seconds())
}

func (d *Daemon) failOrRetry(ctx context.Context, processing lifecycle.Processing, outcome lifecycle.Outcome, cb *breaker.CircuitBreaker) {
	errStr := errorString(outcome)
	cb.Record(false)

	failed := lifecycle.Failed{
		Common:       processing.Common,
		RetryAttempt: processing.RetryAttempt,
		Error:        errStr,
		FailedAt:     time.Now(),
	}
	if err := d.checkNotCanceled(ctx, processing.ID); err != nil {
		return
	}
	if err := d.st.Persist(ctx, lifecycle.AsFailed(failed)); err != nil {
		obs.RecordError(ctx, err)
		d.log.Warn("persist Failed failed", obs.String("request_id", processing.ID), obs.Err(err))
		return
	}
	obs.RequestsFailed.Inc()
	d.publish(processing.ID, lifecycle.StateFailed)

	var batchExpiresAt time.Time
	if processing.BatchID != "" {
		if b, err := d.st.GetBatch(ctx, processing.BatchID); err == nil {
			batchExpiresAt = b.ExpiresAt
		}
	}

	next, ok := lifecycle.NextAfterFailure(failed, time.Now(), d.cfg.Daemon.MaxRetries,
		d.cfg.Daemon.Backoff.BaseMs, d.cfg.Daemon.Backoff.MaxMs, d.cfg.Daemon.Backoff.Factor, batchExpiresAt)
	if !ok {
		return // terminal Failed stands
	}
	if err := d.st.Persist(ctx, lifecycle.AsPending(next)); err != nil {
		d.log.Warn("re-pend after failure failed", obs.String("request_id", processing.ID), obs.Err(err))
		return
	}
	obs.RequestsRetried.Inc()
	d.publish(processing.ID, lifecycle.StatePending)
}

// checkNotCanceled guards against the race in spec §5: a caller may
// cancel a Processing request while its HTTP call is in flight.
// Persisting Completed/Failed against an already-Canceled request
// must be a legal no-op from the daemon's perspective.
func (d *Daemon) checkNotCanceled(ctx context.Context, id string) error {
	results, errs := d.st.GetRequests(ctx, []string{id})
	if errs[0] != nil {
		return nil
	}
	if results[0].State == lifecycle.StateCanceled {
		return fmt.Errorf("request %s already canceled", id)
	}
	return nil
}

func (d *Daemon) templateFor(ctx context.Context, templateID string) (files.RequestTemplate, error) {
	return d.st.GetTemplate(ctx, templateID)
}

func errorString(o lifecycle.Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return fmt.Sprintf("non-retriable or retriable response with status %d", o.Status)
}

func (d *Daemon) publish(requestID string, state lifecycle.State) {
	if d.hub != nil {
		d.hub.Publish(stream.Event{RequestID: requestID, State: state})
	}
}

func (d *Daemon) statusLogLoop(ctx context.Context) {
	defer d.wg.Done()
	if d.cfg.Daemon.StatusLogIntervalMs <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(d.cfg.Daemon.StatusLogIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.log.Info("daemon status", obs.String("daemon_id", d.id), obs.Int64("in_flight", d.InFlight()))
		}
	}
}

func (d *Daemon) reclaimLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := time.Duration(d.cfg.Daemon.ReclaimIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimCtx, span := obs.StartReclaimSpan(ctx)
			n, err := d.st.ReclaimStuck(reclaimCtx,
				time.Duration(d.cfg.Daemon.ClaimTimeoutMs)*time.Millisecond,
				time.Duration(d.cfg.Daemon.ProcessingTimeoutMs)*time.Millisecond)
			if err != nil {
				obs.RecordError(reclaimCtx, err)
				d.log.Warn("reclaim_stuck failed", obs.Err(err))
			} else if n > 0 {
				obs.ReclaimedStuck.Add(float64(n))
				d.log.Info("reclaimed stuck requests", obs.Int("count", n))
			}
			span.End()
		}
	}
}

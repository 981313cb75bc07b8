// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/batchforge/batchforge/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_submitted_total",
		Help: "Total number of requests accepted into Pending",
	})
	RequestsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_claimed_total",
		Help: "Total number of requests claimed by a daemon",
	})
	RequestsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_completed_total",
		Help: "Total number of requests that reached Completed",
	})
	RequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_failed_total",
		Help: "Total number of Processing -> Failed transitions, including ones later retried",
	})
	RequestsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_retried_total",
		Help: "Total number of Failed -> Pending retry transitions",
	})
	RequestsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_canceled_total",
		Help: "Total number of requests canceled by a caller",
	})
	RequestProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "request_processing_duration_seconds",
		Help:    "Histogram of Processing -> terminal durations",
		Buckets: prometheus.DefBuckets,
	})
	InflightDispatches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inflight_dispatches",
		Help: "Number of in-flight HTTP dispatches per routed model",
	}, []string{"model"})
	ModelSemaphoreWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_semaphore_waiters",
		Help: "Number of claimed requests that failed to acquire a model permit and were unclaimed",
	}, []string{"model"})
	ReclaimedStuck = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reclaimed_stuck_total",
		Help: "Total number of requests moved back to Pending by the stuck-request sweep",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per model",
	}, []string{"model"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a model's circuit breaker transitioned to Open",
	}, []string{"model"})
	StreamLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_lagged_total",
		Help: "Total number of subscribers that fell behind the status broadcast",
	})
	DaemonInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daemon_inflight_requests",
		Help: "Number of requests currently being dispatched by this daemon",
	})
	ModelBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_pending_backlog",
		Help: "Number of Pending requests queued per model",
	}, []string{"model"})
)

func init() {
	prometheus.MustRegister(
		RequestsSubmitted, RequestsClaimed, RequestsCompleted, RequestsFailed,
		RequestsRetried, RequestsCanceled, RequestProcessingDuration,
		InflightDispatches, ModelSemaphoreWaiters, ReclaimedStuck,
		CircuitBreakerState, CircuitBreakerTrips, StreamLagged, DaemonInFlight,
		ModelBacklog,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for callers that only want metrics; StartHTTPServer also wires
// health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

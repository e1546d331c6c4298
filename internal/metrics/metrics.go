// Package metrics exposes Prometheus metrics for the event pipeline (C10).
// Registration/update style is adapted directly from the predecessor's
// internal/metrics/metrics.go: CounterVec/GaugeVec/HistogramVec fields
// registered once at construction, a promhttp Handler for /metrics, and a
// background poll loop for gauges that reflect another component's live
// state rather than being pushed on every change.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/eventpipe/internal/circuitbreaker"
	"github.com/mescon/eventpipe/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// PipelineStats is the subset of *pipeline.Pipeline the poll loop reads.
// Satisfied by duck typing so this package never imports internal/pipeline:
// pipeline already imports internal/batcher, which this package also
// implements the MetricsSink of, and a straight import would invite a
// cycle the moment pipeline takes a Metrics value at construction.
type PipelineStats interface {
	RetryDepth() int
	DLQDepth() int
	CircuitBreakerState() circuitbreaker.State
}

// RetryStats is the subset of *retryqueue.Queue the poll loop reads for
// cumulative retry attempt outcomes.
type RetryStats interface {
	SuccessCount() int64
	FailureCount() int64
}

// Metrics collects every Prometheus series the pipeline and its
// collaborators report. It implements batcher.MetricsSink directly.
type Metrics struct {
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	batchFlushSize     prometheus.Histogram
	batchFlushDuration prometheus.Histogram
	pendingEvents      *prometheus.GaugeVec
	droppedOnPressure  prometheus.Counter

	persistenceErrorTotal prometheus.Counter
	storeFallbackTotal    *prometheus.CounterVec

	retryDepth          prometheus.Gauge
	dlqDepth            prometheus.Gauge
	circuitBreakerState prometheus.Gauge
	retrySuccessTotal   prometheus.Counter
	retryFailureTotal   prometheus.Counter

	lastRetrySuccess int64
	lastRetryFailure int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates and registers every series. Call Start to begin the poll loop
// once the pipeline and retry queue exist.
func New() *Metrics {
	m := &Metrics{
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_publish_total",
				Help: "Total number of events published, by event type and priority",
			},
			[]string{"event_type", "priority"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventpipe_publish_duration_seconds",
				Help:    "Time spent in Publish's synchronous routing path, by priority",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~5s
			},
			[]string{"priority"},
		),
		batchFlushSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eventpipe_batch_flush_size",
				Help:    "Number of envelopes written per batch flush",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~2048
			},
		),
		batchFlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eventpipe_batch_flush_duration_seconds",
				Help:    "Duration of batch flush writes to the permanent store",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),
		pendingEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventpipe_batch_pending_events",
				Help: "Number of envelopes currently buffered awaiting the next batch flush, by session",
			},
			[]string{"session_id"},
		),
		droppedOnPressure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventpipe_batch_dropped_on_pressure_total",
				Help: "Total number of buffered envelopes dropped because the buffer hit its capacity",
			},
		),
		persistenceErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventpipe_persistence_error_total",
				Help: "Total number of persistence_error notices published after a batch fallback write exhausted its attempt",
			},
		),
		storeFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventpipe_store_fallback_total",
				Help: "Total number of replays that fell back from the Transient Log to the Permanent Store, by calling operation",
			},
			[]string{"operation"},
		),
		retryDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventpipe_retry_queue_depth",
				Help: "Number of envelopes currently awaiting a scheduled retry",
			},
		),
		dlqDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventpipe_dlq_depth",
				Help: "Number of envelopes currently in the dead letter queue",
			},
		),
		circuitBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventpipe_circuit_breaker_state",
				Help: "Permanent store circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		retrySuccessTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventpipe_retry_success_total",
				Help: "Total number of retry attempts that succeeded",
			},
		),
		retryFailureTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventpipe_retry_failure_total",
				Help: "Total number of retry attempts that failed",
			},
		),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	prometheus.MustRegister(
		m.publishTotal,
		m.publishDuration,
		m.batchFlushSize,
		m.batchFlushDuration,
		m.pendingEvents,
		m.droppedOnPressure,
		m.persistenceErrorTotal,
		m.storeFallbackTotal,
		m.retryDepth,
		m.dlqDepth,
		m.circuitBreakerState,
		m.retrySuccessTotal,
		m.retryFailureTotal,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePublish records a completed Publish call. priority is the
// classification domain.ClassifyPriority returned for eventType.
func (m *Metrics) ObservePublish(eventType string, priority domain.Priority, d time.Duration) {
	p := priority.String()
	m.publishTotal.WithLabelValues(eventType, p).Inc()
	m.publishDuration.WithLabelValues(p).Observe(d.Seconds())
}

// IncPersistenceError records one persistence_error notice publication.
func (m *Metrics) IncPersistenceError() {
	m.persistenceErrorTotal.Inc()
}

// IncStoreFallback records one Transient-Log-to-Permanent-Store replay
// fallback, labelled by the calling operation ("subscribe" or "missed").
func (m *Metrics) IncStoreFallback(operation string) {
	m.storeFallbackTotal.WithLabelValues(operation).Inc()
}

// ObserveBatchFlush implements batcher.MetricsSink.
func (m *Metrics) ObserveBatchFlush(size int, duration time.Duration) {
	m.batchFlushSize.Observe(float64(size))
	m.batchFlushDuration.Observe(duration.Seconds())
}

// SetPendingEvents implements batcher.MetricsSink.
func (m *Metrics) SetPendingEvents(sessionID string, n int) {
	m.pendingEvents.WithLabelValues(sessionID).Set(float64(n))
}

// IncDroppedOnPressure implements batcher.MetricsSink.
func (m *Metrics) IncDroppedOnPressure() {
	m.droppedOnPressure.Inc()
}

// Start launches the background poll loop that reflects pipeline- and
// retry-queue-owned state (depths, breaker state, cumulative retry
// outcomes) into gauges/counters. These are pulled rather than pushed
// because C6's scan loop and C9's depth accessors already exist as the
// authoritative source; duplicating push call sites across every mutation
// would drift from them over time.
func (m *Metrics) Start(ctx context.Context, pipeline PipelineStats, retries RetryStats) {
	go m.poll(ctx, pipeline, retries)
}

// Stop halts the poll loop and waits for it to exit.
func (m *Metrics) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Metrics) poll(ctx context.Context, pipeline PipelineStats, retries RetryStats) {
	defer close(m.doneCh)
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample(pipeline, retries)
		}
	}
}

func (m *Metrics) sample(pipeline PipelineStats, retries RetryStats) {
	if pipeline != nil {
		m.retryDepth.Set(float64(pipeline.RetryDepth()))
		m.dlqDepth.Set(float64(pipeline.DLQDepth()))
		m.circuitBreakerState.Set(breakerStateValue(pipeline.CircuitBreakerState()))
	}
	if retries != nil {
		success := retries.SuccessCount()
		failure := retries.FailureCount()
		if d := success - m.lastRetrySuccess; d > 0 {
			m.retrySuccessTotal.Add(float64(d))
			m.lastRetrySuccess = success
		}
		if d := failure - m.lastRetryFailure; d > 0 {
			m.retryFailureTotal.Add(float64(d))
			m.lastRetryFailure = failure
		}
	}
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.Closed:
		return 0
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return -1
	}
}

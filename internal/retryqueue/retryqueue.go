// Package retryqueue implements the Retry Queue and Dead Letter Queue (C6):
// a timestamp-ordered set of failed-event records that a background
// scheduler rescans and re-attempts against the Permanent Store with
// exponential backoff, deadlettering records that exhaust their retry
// budget. Modeled on the predecessor's Redis-backed sorted-set retry
// queue; kept in-memory here since this process is the sole consumer.
package retryqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/logger"
)

// scanInterval is how often the background scheduler checks for due
// records. It is independent of the retry delay schedule itself.
const scanInterval = time.Second

// Persister is the narrow Permanent Store surface the queue retries against.
type Persister interface {
	SaveEvent(ctx context.Context, e domain.Envelope) error
}

// AuditLogger records DLQ arrivals for operator visibility across restarts.
// internal/store.Store satisfies this via LogDLQArrival.
type AuditLogger interface {
	LogDLQArrival(ctx context.Context, f domain.FailedEvent)
}

// AlertSink is paged when the DLQ crosses the critical depth threshold.
// internal/notifier satisfies this.
type AlertSink interface {
	NotifyDLQCritical(ctx context.Context, depth int) error
}

type record struct {
	event domain.FailedEvent
	index int
}

// recordHeap orders records by NextRetryAt ascending, FIFO among ties via
// insertion index.
type recordHeap []*record

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if h[i].event.NextRetryAt.Equal(h[j].event.NextRetryAt) {
		return h[i].index < h[j].index
	}
	return h[i].event.NextRetryAt.Before(h[j].event.NextRetryAt)
}
func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)   { *h = append(*h, x.(*record)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue holds failed events awaiting retry, and the Dead Letter Queue for
// events that exhausted their retry budget.
type Queue struct {
	store   Persister
	audit   AuditLogger
	alerts  AlertSink
	clk     clock.Clock

	maxRetries int
	delays     []time.Duration

	warnThreshold int
	critThreshold int

	mu       sync.Mutex
	pending  recordHeap
	seq      int
	dlq      map[string]domain.FailedEvent
	lastDLQAlertLevel int // 0=none, 1=warn, 2=critical; edge-triggers alerts

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	successCount atomic64
	failureCount atomic64
}

// atomic64 avoids importing sync/atomic's typed wrappers just for two counters.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// New creates a Queue. alerts may be nil (no paging configured).
func New(store Persister, audit AuditLogger, alerts AlertSink, clk clock.Clock, maxRetries int, delays []time.Duration, warnThreshold, critThreshold int) *Queue {
	return &Queue{
		store:         store,
		audit:         audit,
		alerts:        alerts,
		clk:           clk,
		maxRetries:    maxRetries,
		delays:        delays,
		warnThreshold: warnThreshold,
		critThreshold: critThreshold,
		dlq:           make(map[string]domain.FailedEvent),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func dlqKey(sessionID string, sequence int64) string {
	return fmt.Sprintf("%s:%d", sessionID, sequence)
}

func (q *Queue) delayFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(q.delays) {
		return q.delays[len(q.delays)-1]
	}
	return q.delays[retryCount]
}

// Enqueue admits a newly-failed envelope into the retry queue.
func (q *Queue) Enqueue(e domain.Envelope, cause error) {
	now := q.clk.Now()
	f := domain.FailedEvent{
		Envelope:      e,
		RetryCount:    0,
		FirstFailedAt: now,
		NextRetryAt:   now.Add(q.delayFor(0)),
	}
	if cause != nil {
		f.OriginalError = cause.Error()
	}

	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, &record{event: f, index: q.seq})
	q.mu.Unlock()
}

// Start launches the background scan loop on a fixed real-time interval.
func (q *Queue) Start(ctx context.Context) {
	go q.loop(ctx)
}

// Stop halts the background scan loop.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.doneCh)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.scan(ctx)
		}
	}
}

// due claims (removes) every record whose NextRetryAt has passed, holding
// the lock only long enough to mutate the heap: this is the queue's
// at-most-once "claim" step, safe under concurrent scanners since the heap
// mutation itself is the atomic hand-off.
func (q *Queue) due() []domain.FailedEvent {
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.FailedEvent
	for q.pending.Len() > 0 && !q.pending[0].event.NextRetryAt.After(now) {
		r := heap.Pop(&q.pending).(*record)
		out = append(out, r.event)
	}
	return out
}

// scan attempts persistence for every currently-due record and branches
// per the retry/DLQ policy.
func (q *Queue) scan(ctx context.Context) {
	for _, f := range q.due() {
		q.attempt(ctx, f)
	}
	q.checkAlerts(ctx)
}

func (q *Queue) attempt(ctx context.Context, f domain.FailedEvent) {
	err := q.store.SaveEvent(ctx, f.Envelope)
	if err == nil {
		q.successCount.inc()
		return
	}

	q.failureCount.inc()
	f.RetryCount++
	f.OriginalError = err.Error()

	if f.RetryCount >= q.maxRetries {
		now := q.clk.Now()
		f.MovedToDLQAt = &now
		logger.Errorf("[DLQ] event %s moved to dead letter queue after %d retries: %v", f.Envelope.EventID(), f.RetryCount, err)

		q.mu.Lock()
		q.dlq[dlqKey(f.Envelope.SessionID, f.Envelope.Sequence)] = f
		q.mu.Unlock()

		if q.audit != nil {
			q.audit.LogDLQArrival(ctx, f)
		}
		return
	}

	f.NextRetryAt = q.clk.Now().Add(q.delayFor(f.RetryCount))

	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, &record{event: f, index: q.seq})
	q.mu.Unlock()
}

// checkAlerts logs (and, on crossing critical, pages via AlertSink) when
// DLQ depth crosses a threshold. Alerts are edge-triggered: they fire only
// when depth newly crosses a threshold, not on every scan. A depth of zero
// or less never alerts.
func (q *Queue) checkAlerts(ctx context.Context) {
	depth := q.DLQDepth()
	if depth <= 0 {
		q.mu.Lock()
		q.lastDLQAlertLevel = 0
		q.mu.Unlock()
		return
	}

	level := 0
	if depth >= q.critThreshold {
		level = 2
	} else if depth >= q.warnThreshold {
		level = 1
	}

	q.mu.Lock()
	prev := q.lastDLQAlertLevel
	q.lastDLQAlertLevel = level
	q.mu.Unlock()

	if level <= prev {
		return
	}

	switch level {
	case 1:
		logger.Warnf("[DLQ_ALERT] Warning: depth=%d", depth)
	case 2:
		logger.Errorf("[DLQ_ALERT] Critical: depth=%d", depth)
		if q.alerts != nil {
			if err := q.alerts.NotifyDLQCritical(ctx, depth); err != nil {
				logger.Errorf("failed to send DLQ critical alert: %v", err)
			}
		}
	}
}

// RetryDepth returns the number of records currently awaiting retry.
func (q *Queue) RetryDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// DLQDepth returns the number of records currently deadlettered.
func (q *Queue) DLQDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}

// DLQEntries returns a snapshot of every deadlettered record, for operator
// listing endpoints.
func (q *Queue) DLQEntries() []domain.FailedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.FailedEvent, 0, len(q.dlq))
	for _, f := range q.dlq {
		out = append(out, f)
	}
	return out
}

// Requeue moves a deadlettered record back into the retry heap for
// immediate reattempt. This is the only way a DLQ entry drains: manual
// operator action via the admin API, never an automatic sweep.
func (q *Queue) Requeue(sessionID string, sequence int64) error {
	key := dlqKey(sessionID, sequence)

	q.mu.Lock()
	f, ok := q.dlq[key]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("no dlq entry for %s", key)
	}
	delete(q.dlq, key)
	f.MovedToDLQAt = nil
	f.RetryCount = 0
	f.NextRetryAt = q.clk.Now()
	q.seq++
	heap.Push(&q.pending, &record{event: f, index: q.seq})
	q.mu.Unlock()
	return nil
}

// SuccessCount and FailureCount report cumulative retry attempt outcomes,
// exported for C10 metrics.
func (q *Queue) SuccessCount() int64 { return q.successCount.load() }
func (q *Queue) FailureCount() int64 { return q.failureCount.load() }

// Package batcher implements the Batch Persister (C5): it coalesces
// normal/low priority envelopes inside a short time window to amortise the
// cost of writes to the Permanent Store, flushing eagerly under size or
// memory pressure and flushing ahead of any critical event. The
// flush/append mutex split and detached-context flush are adapted from the
// retrieval pack's batching reference (an event appender that serializes
// timer-triggered and size-triggered flushes independently of the
// caller's request-scoped context).
package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/logger"
)

const flushTimeout = 30 * time.Second

// Persister is the Permanent Store write surface the batcher drives.
type Persister interface {
	SaveEvent(ctx context.Context, e domain.Envelope) error
	SaveEventsBatch(ctx context.Context, envelopes []domain.Envelope) error
}

// FailureSink receives envelopes the batcher could not persist, for C6 to
// retry later.
type FailureSink interface {
	Enqueue(e domain.Envelope, cause error)
}

// MetricsSink is the optional C10 hook for batch persistence metrics.
type MetricsSink interface {
	ObserveBatchFlush(size int, duration time.Duration)
	SetPendingEvents(sessionID string, n int)
	IncDroppedOnPressure()
}

// Stats is a point-in-time snapshot of the batcher's counters.
type Stats struct {
	Pending           int
	FlushCount        int64
	DroppedOnPressure int64
}

// Batcher coalesces envelopes for batched writes to a Persister.
type Batcher struct {
	store   Persister
	failure FailureSink
	metrics MetricsSink
	clk     clock.Clock

	window    time.Duration
	batchMax  int
	bufferCap int

	// persistWorkers bounds how many of the per-envelope fallback writes
	// (batch write failed, falling back one envelope at a time) run
	// concurrently, so a wedged store cannot pin an unbounded number of
	// goroutines in a retry storm.
	persistWorkers int

	mu          sync.Mutex
	buffer      []domain.Envelope
	windowTimer clock.Timer

	flushMu sync.Mutex

	flushCount        atomic.Int64
	droppedOnPressure atomic.Int64
}

// New creates a Batcher. metrics may be nil. persistWorkers bounds the
// fallback per-envelope write concurrency; values <= 0 fall back to purely
// sequential writes.
func New(store Persister, failure FailureSink, metrics MetricsSink, clk clock.Clock, window time.Duration, batchMax, bufferCap, persistWorkers int) *Batcher {
	return &Batcher{
		store:          store,
		failure:        failure,
		metrics:        metrics,
		clk:            clk,
		window:         window,
		batchMax:       batchMax,
		bufferCap:      bufferCap,
		persistWorkers: persistWorkers,
	}
}

// Queue buffers a normal/low-priority envelope, or flushes-ahead and writes
// a critical envelope synchronously. It never returns an error to the
// caller: failures are logged, counted, and pushed to the FailureSink.
func (b *Batcher) Queue(ctx context.Context, e domain.Envelope) {
	if domain.ClassifyPriority(e.EventType) == domain.PriorityCritical {
		b.flushDetached()
		if err := b.store.SaveEvent(ctx, e); err != nil {
			logger.Errorf("batcher: critical event %s failed to persist: %v", e.EventID(), err)
			if b.failure != nil {
				b.failure.Enqueue(e, err)
			}
		}
		return
	}

	b.mu.Lock()
	if len(b.buffer) >= b.bufferCap {
		for i, old := range b.buffer {
			if domain.ClassifyPriority(old.EventType) != domain.PriorityLow {
				continue
			}
			b.buffer = append(b.buffer[:i], b.buffer[i+1:]...)
			b.droppedOnPressure.Add(1)
			if b.metrics != nil {
				b.metrics.IncDroppedOnPressure()
			}
			break
		}
	}
	b.buffer = append(b.buffer, e)
	pending := len(b.buffer)
	if pending == 1 {
		b.windowTimer = b.clk.AfterFunc(b.window, func() {
			b.flushDetached()
		})
	}
	atPressure := pending >= b.bufferCap
	atBatchMax := pending >= b.batchMax
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetPendingEvents(e.SessionID, pending)
	}

	if atBatchMax || atPressure {
		go b.flushDetached()
	}
}

// flushDetached runs flush against a fresh, timeout-bounded context
// unrelated to any caller's request-scoped context, so a request that
// completes (or is cancelled) before the window elapses can never cancel
// the flush itself.
func (b *Batcher) flushDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	b.flush(ctx)
}

// FlushSession extracts and atomically writes every buffered entry for a
// single session, leaving entries from other sessions untouched. It blocks
// until the write completes, which is itself the "flush-complete" signal
// consumers (C9 on disconnect, lifecycle hooks) wait on.
func (b *Batcher) FlushSession(ctx context.Context, sessionID string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	var extracted, kept []domain.Envelope
	for _, e := range b.buffer {
		if e.SessionID == sessionID {
			extracted = append(extracted, e)
		} else {
			kept = append(kept, e)
		}
	}
	b.buffer = kept
	b.mu.Unlock()

	if len(extracted) == 0 {
		return nil
	}
	return b.persist(ctx, extracted)
}

// flush takes ownership of the current buffer and writes it, falling back
// to per-envelope writes on batch failure.
func (b *Batcher) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.windowTimer != nil {
		b.windowTimer.Stop()
		b.windowTimer = nil
	}
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	_ = b.persist(ctx, batch)
}

func (b *Batcher) persist(ctx context.Context, batch []domain.Envelope) error {
	start := b.clk.Now()
	err := b.store.SaveEventsBatch(ctx, batch)
	elapsed := b.clk.Now().Sub(start)

	b.flushCount.Add(1)
	if b.metrics != nil {
		b.metrics.ObserveBatchFlush(len(batch), elapsed)
	}

	if err == nil {
		return nil
	}

	logger.Warnf("batcher: batch write of %d events failed, falling back to per-event writes: %v", len(batch), err)
	return b.persistFallback(ctx, batch)
}

// persistFallback writes batch one envelope at a time, bounded to at most
// persistWorkers concurrent writes. With persistWorkers <= 0 it writes
// sequentially in a single goroutine.
func (b *Batcher) persistFallback(ctx context.Context, batch []domain.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	workers := b.persistWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	jobs := make(chan domain.Envelope)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				if werr := b.store.SaveEvent(ctx, e); werr != nil {
					logger.Errorf("batcher: event %s failed to persist: %v", e.EventID(), werr)
					if b.failure != nil {
						b.failure.Enqueue(e, werr)
					}
					errMu.Lock()
					if firstErr == nil {
						firstErr = werr
					}
					errMu.Unlock()
				}
			}
		}()
	}

	for _, e := range batch {
		jobs <- e
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

// Stats returns a snapshot of the batcher's counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	pending := len(b.buffer)
	b.mu.Unlock()

	return Stats{
		Pending:           pending,
		FlushCount:        b.flushCount.Load(),
		DroppedOnPressure: b.droppedOnPressure.Load(),
	}
}

// Shutdown flushes any remaining buffered events using a fresh, detached
// context so an already-cancelled caller context cannot drop pending writes.
func (b *Batcher) Shutdown() {
	b.flushDetached()
}

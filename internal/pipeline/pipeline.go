// Package pipeline implements the Event Publisher facade (C8) and the
// Subscription/Replay API (C9). It is the single entry point that
// orchestrates C1 (sequence), C2 (transient log), C3 (pub/sub bus), C4
// (permanent store, behind a circuit breaker), C5 (batch persister), C6
// (retry queue), and C7 (expert merger) into the publish/subscribe
// contract described for this deliberation event pipeline.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/eventpipe/internal/batcher"
	"github.com/mescon/eventpipe/internal/circuitbreaker"
	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/eventbus"
	"github.com/mescon/eventpipe/internal/logger"
	"github.com/mescon/eventpipe/internal/merger"
	"github.com/mescon/eventpipe/internal/retryqueue"
	"github.com/mescon/eventpipe/internal/sequence"
	"github.com/mescon/eventpipe/internal/transientlog"
)

// persistenceErrorEventType is the synthetic event published on the bus
// when C5's bounded fallback writers exhaust their own attempt for an
// envelope, distinct from C6's own scheduled retries: it tells live
// subscribers in-band that an event of theirs is now sitting in the retry
// queue, without changing C6's contract.
const persistenceErrorEventType = "persistence_error"

// Metrics is the C10 hook the pipeline and its batcher collaborator report
// through, satisfied by *metrics.Metrics. Declared here rather than
// imported from internal/metrics so that package can duck-type against
// pipeline's exported accessors for its poll loop without an import cycle.
type Metrics interface {
	batcher.MetricsSink
	ObservePublish(eventType string, priority domain.Priority, d time.Duration)
	IncPersistenceError()
	IncStoreFallback(operation string)
}

// Store is the Permanent Store surface the pipeline and its collaborators
// (C1 cold-start recovery, C5 batch/fallback writes, C6 retries, C9
// replay, audit logging) drive. internal/store.Store satisfies this.
type Store interface {
	SaveEvent(ctx context.Context, e domain.Envelope) error
	SaveEventsBatch(ctx context.Context, envelopes []domain.Envelope) error
	GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]domain.Envelope, error)
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
	LogDLQArrival(ctx context.Context, f domain.FailedEvent)
}

// Config tunes the batcher, retry queue, transient log and circuit breaker
// this Pipeline constructs. Field names mirror the configuration surface's
// env-var-derived names (BATCH_WINDOW_MS, BATCH_MAX, ...).
type Config struct {
	BatchWindow    time.Duration
	BatchMax       int
	BufferCap      int
	PersistWorkers int

	RetryMaxAttempts int
	RetryDelays      []time.Duration
	DLQWarnThreshold int
	DLQCritThreshold int

	TransientTTL time.Duration

	CircuitBreaker circuitbreaker.Config
}

// Pipeline wires C1-C7 together behind publish/subscribe.
type Pipeline struct {
	store   Store
	breaker *circuitbreaker.Breaker
	clk     clock.Clock
	metrics Metrics

	seq     *sequence.Counter
	log     *transientlog.Log
	bus     *eventbus.Bus
	batch   *batcher.Batcher
	retries *retryqueue.Queue
	merge   *merger.Merger
}

// New constructs a Pipeline and every C1-C7 collaborator it owns, wiring
// the batcher's fallback-write failures and the merger's collapse
// decisions back into the Pipeline itself (it implements both
// batcher.FailureSink and merger.Emitter). alerts and metrics may both be
// nil; metrics is passed through as the batcher's MetricsSink.
func New(store Store, clk clock.Clock, cfg Config, alerts retryqueue.AlertSink, metrics Metrics) *Pipeline {
	p := &Pipeline{
		store:   store,
		breaker: circuitbreaker.New(cfg.CircuitBreaker),
		clk:     clk,
		metrics: metrics,
		seq:     sequence.New(store),
		log:     transientlog.New(cfg.TransientTTL, clk),
		bus:     eventbus.New(),
	}
	p.batch = batcher.New(store, p, metrics, clk, cfg.BatchWindow, cfg.BatchMax, cfg.BufferCap, cfg.PersistWorkers)
	p.retries = retryqueue.New(store, store, alerts, clk, cfg.RetryMaxAttempts, cfg.RetryDelays, cfg.DLQWarnThreshold, cfg.DLQCritThreshold)
	p.merge = merger.New(p)
	return p
}

// Start launches background loops (the retry queue's scan scheduler). The
// batcher and transient log run their own background loops from
// construction; this only exists because C6's contract separates
// construction from scheduling so tests can enqueue before scanning starts.
func (p *Pipeline) Start(ctx context.Context) {
	p.retries.Start(ctx)
}

// Publish assigns a sequence number to (sessionID, eventType, data),
// records it to the Transient Log and Pub/Sub Bus, and routes it to
// persistence according to its priority. It never returns an error to the
// caller: every internal fault is logged and, for the persistence path,
// handed to the retry queue.
func (p *Pipeline) Publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}, requestID string) {
	start := p.clk.Now()

	seq, err := p.seq.Next(ctx, sessionID)
	if err != nil {
		logger.Errorf("pipeline: failed to assign sequence for session %s: %v", sessionID, err)
		return
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}
	if data == nil {
		data = make(map[string]interface{})
	}

	e := domain.Envelope{
		SessionID: sessionID,
		Sequence:  seq,
		EventType: eventType,
		Timestamp: p.clk.Now(),
		RequestID: requestID,
		Data:      data,
	}

	p.record(e)
	p.route(ctx, e)

	if p.metrics != nil {
		p.metrics.ObservePublish(eventType, domain.ClassifyPriority(eventType), p.clk.Now().Sub(start))
	}
}

// record writes e to the Transient Log and the Pub/Sub Bus. Both are
// best-effort relative to the caller: a panic-free failure here never
// blocks persistence, and is recoverable via C9's Permanent Store fallback.
func (p *Pipeline) record(e domain.Envelope) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("pipeline: transient log append panicked for %s: %v", e.EventID(), r)
			}
		}()
		p.log.Append(e)
	}()
	p.bus.Publish(e)
}

// route sends e down the correct persistence path per its priority:
// critical events bypass both the merger and the batcher for a synchronous
// write; normal/low expert sub-events go to the merger; everything else
// goes to the batcher.
func (p *Pipeline) route(ctx context.Context, e domain.Envelope) {
	switch {
	case domain.ClassifyPriority(e.EventType) == domain.PriorityCritical:
		p.writeCritical(ctx, e)
	case domain.IsExpertSubEvent(e.EventType):
		p.merge.Offer(e)
	default:
		p.batch.Queue(ctx, e)
	}
}

// writeCritical flushes any buffered entries for e.SessionID ahead of e so
// the batch write lands first, then persists e synchronously, behind the
// circuit breaker, falling back to the retry queue on any failure
// (including a rejection from an open breaker or the flush itself). This
// is what keeps the Permanent Store in sequence order across the batched
// and critical write paths.
func (p *Pipeline) writeCritical(ctx context.Context, e domain.Envelope) {
	if err := p.batch.FlushSession(ctx, e.SessionID); err != nil {
		logger.Errorf("pipeline: flush-ahead of session %s before critical event %s failed: %v", e.SessionID, e.EventID(), err)
	}

	err := p.breaker.Call(func() error {
		return p.store.SaveEvent(ctx, e)
	})
	if err != nil {
		logger.Errorf("pipeline: critical event %s failed synchronous persist: %v", e.EventID(), err)
		p.retries.Enqueue(e, err)
	}
}

// Enqueue implements batcher.FailureSink: an envelope that exhausted C5's
// own bounded fallback-write attempt is handed to C6 for scheduled retry,
// and a synthetic persistence_error envelope is published in-band so live
// subscribers learn the event is now pending retry without waiting for a
// reconnect/replay cycle.
func (p *Pipeline) Enqueue(e domain.Envelope, cause error) {
	p.retries.Enqueue(e, cause)
	p.publishPersistenceError(e, cause)
	if p.metrics != nil {
		p.metrics.IncPersistenceError()
	}
}

func (p *Pipeline) publishPersistenceError(e domain.Envelope, cause error) {
	seq, err := p.seq.Next(context.Background(), e.SessionID)
	if err != nil {
		logger.Errorf("pipeline: failed to assign sequence for persistence_error notice in session %s: %v", e.SessionID, err)
		return
	}
	notice := domain.Envelope{
		SessionID: e.SessionID,
		Sequence:  seq,
		EventType: persistenceErrorEventType,
		Timestamp: p.clk.Now(),
		RequestID: e.RequestID,
		Data: map[string]interface{}{
			"original_event_id":   e.EventID(),
			"original_event_type": e.EventType,
			"error":               cause.Error(),
		},
	}
	p.record(notice)
}

// EmitMerged implements merger.Emitter. A collapsed expert_contribution_complete
// envelope is assigned a fresh sequence at emission time (not at
// sub-event arrival time) and always routed as critical, matching its
// "*_complete" classification.
func (p *Pipeline) EmitMerged(data map[string]interface{}, sources []domain.Envelope) {
	if len(sources) == 0 {
		return
	}
	sessionID := sources[0].SessionID
	ctx := context.Background()

	seq, err := p.seq.Next(ctx, sessionID)
	if err != nil {
		logger.Errorf("pipeline: failed to assign sequence for merged event in session %s: %v", sessionID, err)
		return
	}

	e := domain.Envelope{
		SessionID: sessionID,
		Sequence:  seq,
		EventType: domain.EventExpertContributionComplete,
		Timestamp: p.clk.Now(),
		RequestID: sources[len(sources)-1].RequestID,
		Data:      data,
	}

	p.record(e)
	p.writeCritical(ctx, e)
}

// EmitPassthrough implements merger.Emitter for sub-events the merger
// decided not to (or could not yet) collapse: it hands them to the batcher
// as ordinary normal-priority writes. The envelope already has its
// sequence and Transient Log/Pub-Sub fanout from the original Offer call's
// caller (Publish), so this only drives persistence.
func (p *Pipeline) EmitPassthrough(e domain.Envelope) {
	p.batch.Queue(context.Background(), e)
}

// FlushSession forces any buffered or pending-merge state for sessionID out
// to the Permanent Store, used on session close or before a replay cutover.
func (p *Pipeline) FlushSession(ctx context.Context, sessionID string) error {
	p.merge.FlushSession(sessionID)
	return p.batch.FlushSession(ctx, sessionID)
}

// Subscribe opens a live subscription to sessionID and, before the caller
// starts draining it, returns the replay segment (sequence > sinceSequence)
// from the Transient-Log-then-Permanent-Store cascade. The caller must
// drain the replay slice first, then read from the returned channel; the
// two segments may overlap at the seam and the caller is expected to dedup
// on sequence, per the at-least-once replay contract.
func (p *Pipeline) Subscribe(ctx context.Context, sessionID string, sinceSequence int64) ([]domain.Envelope, <-chan domain.Envelope, func(), error) {
	live, unsubscribe := p.bus.Subscribe(sessionID)

	replay, err := p.replay(ctx, "subscribe", sessionID, sinceSequence)
	if err != nil {
		unsubscribe()
		return nil, nil, nil, err
	}

	return replay, live, unsubscribe, nil
}

// Missed returns the replay segment after lastEventID with no live
// subscription attached. lastEventID is parsed as "session_id:sequence";
// a malformed value yields the full history for sessionID.
func (p *Pipeline) Missed(ctx context.Context, sessionID, lastEventID string) ([]domain.Envelope, error) {
	sinceSequence := int64(0)
	if lastEventID != "" {
		if parsedSession, parsedSeq, ok := parseEventID(lastEventID); ok && parsedSession == sessionID {
			sinceSequence = parsedSeq
		}
	}
	return p.replay(ctx, "missed", sessionID, sinceSequence)
}

// replay implements the Transient-Log-then-Permanent-Store fallback
// cascade: if the Transient Log has any history at all for sessionID
// (even an empty post-filter slice), its result is authoritative; only a
// total absence of history (the session was never appended, or its
// history has already expired) falls back to a Permanent Store range read.
// operation ("subscribe" or "missed") labels the store-fallback counter so
// operators can see which entry point is driving fallback reads.
func (p *Pipeline) replay(ctx context.Context, operation, sessionID string, sinceSequence int64) ([]domain.Envelope, error) {
	if entries, ok := p.log.Range(sessionID, sinceSequence); ok {
		return entries, nil
	}

	if p.metrics != nil {
		p.metrics.IncStoreFallback(operation)
	}

	entries, err := p.store.GetEvents(ctx, sessionID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("pipeline: permanent store replay fallback for session %s: %w", sessionID, err)
	}
	return entries, nil
}

// parseEventID parses the "session_id:sequence" wire format produced by
// domain.Envelope.EventID. The session id itself may not contain a colon,
// matching the format EventID emits.
func parseEventID(lastEventID string) (sessionID string, seq int64, ok bool) {
	idx := strings.LastIndex(lastEventID, ":")
	if idx < 0 {
		return "", 0, false
	}
	sessionID = lastEventID[:idx]
	n, err := strconv.ParseInt(lastEventID[idx+1:], 10, 64)
	if err != nil || sessionID == "" {
		return "", 0, false
	}
	return sessionID, n, true
}

// DLQDepth and RetryDepth expose C6's live depths for C10 metrics and the
// admin API, without the caller needing to import internal/retryqueue.
func (p *Pipeline) DLQDepth() int   { return p.retries.DLQDepth() }
func (p *Pipeline) RetryDepth() int { return p.retries.RetryDepth() }

// DLQEntries and Requeue expose C6's DLQ listing/drain for the admin API.
func (p *Pipeline) DLQEntries() []domain.FailedEvent { return p.retries.DLQEntries() }
func (p *Pipeline) Requeue(sessionID string, sequence int64) error {
	return p.retries.Requeue(sessionID, sequence)
}

// CircuitBreakerState exposes the breaker's state for the C10 gauge.
func (p *Pipeline) CircuitBreakerState() circuitbreaker.State { return p.breaker.State() }

// SuccessCount and FailureCount expose C6's cumulative retry outcome
// counters so a single *Pipeline value satisfies both metrics.PipelineStats
// and metrics.RetryStats for the C10 poll loop.
func (p *Pipeline) SuccessCount() int64 { return p.retries.SuccessCount() }
func (p *Pipeline) FailureCount() int64 { return p.retries.FailureCount() }

// Shutdown flushes the batcher and stops the retry queue's background scan
// loop. It does not close the Transient Log, which outlives an individual
// Pipeline's lifecycle in the caller's wiring (it is closed separately once
// no further replay against it is needed).
func (p *Pipeline) Shutdown() {
	p.batch.Shutdown()
	p.retries.Stop()
}

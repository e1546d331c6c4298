package merger

import (
	"sync"
	"testing"

	"github.com/mescon/eventpipe/internal/domain"
)

type fakeEmitter struct {
	mu          sync.Mutex
	merged      []map[string]interface{}
	mergedSrcs  [][]domain.Envelope
	passthrough []domain.Envelope
}

func (f *fakeEmitter) EmitMerged(data map[string]interface{}, sources []domain.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, data)
	f.mergedSrcs = append(f.mergedSrcs, sources)
}

func (f *fakeEmitter) EmitPassthrough(e domain.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passthrough = append(f.passthrough, e)
}

func sessionExpertEvent(sessionID, expertID, eventType string, data map[string]interface{}) domain.Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["expert_id"] = expertID
	return domain.Envelope{SessionID: sessionID, EventType: eventType, Data: data}
}

func expertEvent(expertID, eventType string, data map[string]interface{}) domain.Envelope {
	return sessionExpertEvent("s1", expertID, eventType, data)
}

func TestOffer_CollapsesFullPattern(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(expertEvent("alpha", domain.EventExpertStarted, map[string]interface{}{"a": 1}))
	m.Offer(expertEvent("alpha", domain.EventExpertReasoning, map[string]interface{}{"b": 2}))
	m.Offer(expertEvent("alpha", domain.EventExpertConclusion, map[string]interface{}{"c": 3}))

	if len(f.merged) != 1 {
		t.Fatalf("expected 1 merged envelope, got %d", len(f.merged))
	}
	if len(f.passthrough) != 0 {
		t.Errorf("expected no passthrough for a complete pattern, got %d", len(f.passthrough))
	}
	data := f.merged[0]
	if data["a"] != 1 || data["b"] != 2 || data["c"] != 3 {
		t.Errorf("expected shallow union of all three sources, got %+v", data)
	}
	if data["merged"] != true {
		t.Error("expected merged=true marker")
	}
	if len(f.mergedSrcs[0]) != 3 {
		t.Errorf("expected 3 source envelopes recorded, got %d", len(f.mergedSrcs[0]))
	}
}

func TestOffer_PassthroughForNonExpertEvent(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	e := domain.Envelope{SessionID: "s1", EventType: "status_update", Data: map[string]interface{}{}}
	m.Offer(e)

	if len(f.passthrough) != 1 {
		t.Fatalf("expected 1 passthrough event, got %d", len(f.passthrough))
	}
	if len(f.merged) != 0 {
		t.Errorf("expected no merge attempt for a non-expert event, got %d", len(f.merged))
	}
}

func TestOffer_CriticalBypassesMerger(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(expertEvent("alpha", domain.EventExpertStarted, nil))
	m.Offer(domain.Envelope{SessionID: "s1", EventType: "error", Data: map[string]interface{}{"expert_id": "alpha"}})

	if len(f.passthrough) != 1 {
		t.Fatalf("expected the critical event to pass through immediately, got %d", len(f.passthrough))
	}
	if f.passthrough[0].EventType != "error" {
		t.Errorf("expected the passthrough event to be the critical one, got %s", f.passthrough[0].EventType)
	}

	// The buffered expert_started should remain pending, not collapsed.
	if len(f.merged) != 0 {
		t.Errorf("expected no merge since the pattern never completed, got %d", len(f.merged))
	}
}

func TestOffer_IncompletePatternStaysBuffered(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(expertEvent("beta", domain.EventExpertStarted, nil))
	m.Offer(expertEvent("beta", domain.EventExpertReasoning, nil))

	if len(f.merged) != 0 || len(f.passthrough) != 0 {
		t.Fatalf("expected events to remain buffered, got merged=%d passthrough=%d", len(f.merged), len(f.passthrough))
	}

	m.FlushExpert("s1", "beta")
	if len(f.passthrough) != 2 {
		t.Fatalf("expected FlushExpert to emit both buffered sub-events as-is, got %d", len(f.passthrough))
	}
}

func TestOffer_IndependentPerExpert(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(expertEvent("alpha", domain.EventExpertStarted, nil))
	m.Offer(expertEvent("gamma", domain.EventExpertStarted, nil))
	m.Offer(expertEvent("alpha", domain.EventExpertReasoning, nil))
	m.Offer(expertEvent("alpha", domain.EventExpertConclusion, nil))

	if len(f.merged) != 1 {
		t.Fatalf("expected alpha's pattern to complete independently of gamma, got %d merges", len(f.merged))
	}

	m.FlushAll()
	if len(f.passthrough) != 1 {
		t.Fatalf("expected gamma's lone pending event flushed, got %d", len(f.passthrough))
	}
}

func TestFlushAll_ClearsEveryExpert(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(expertEvent("x", domain.EventExpertStarted, nil))
	m.Offer(expertEvent("y", domain.EventExpertStarted, nil))
	m.FlushAll()

	if len(f.passthrough) != 2 {
		t.Fatalf("expected both experts' pending events flushed, got %d", len(f.passthrough))
	}

	// A second FlushAll should be a no-op (nothing left pending).
	m.FlushAll()
	if len(f.passthrough) != 2 {
		t.Errorf("expected second FlushAll to emit nothing new, got %d", len(f.passthrough))
	}
}

func TestOffer_MissingExpertIDPassesThrough(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	e := domain.Envelope{SessionID: "s1", EventType: domain.EventExpertStarted, Data: map[string]interface{}{}}
	m.Offer(e)

	if len(f.passthrough) != 1 {
		t.Fatalf("expected an expert sub-event with no expert_id to pass through, got %d", len(f.passthrough))
	}
}

// TestOffer_SameExpertIDAcrossSessionsDoesNotCollapseTogether guards
// against the two-session collision the unscoped buffer used to allow:
// session s1's started/reasoning must not complete session s2's pattern
// just because both sessions happen to use the same expert_id.
func TestOffer_SameExpertIDAcrossSessionsDoesNotCollapseTogether(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(sessionExpertEvent("s1", "alpha", domain.EventExpertStarted, nil))
	m.Offer(sessionExpertEvent("s2", "alpha", domain.EventExpertStarted, nil))
	m.Offer(sessionExpertEvent("s2", "alpha", domain.EventExpertReasoning, nil))
	m.Offer(sessionExpertEvent("s2", "alpha", domain.EventExpertConclusion, nil))

	if len(f.merged) != 1 {
		t.Fatalf("expected only s2's pattern to complete, got %d merges", len(f.merged))
	}

	m.FlushExpert("s1", "alpha")
	if len(f.passthrough) != 1 {
		t.Fatalf("expected s1's lone pending expert_started flushed on its own, got %d", len(f.passthrough))
	}
}

func TestFlushSession_FlushesOnlyThatSessionsExperts(t *testing.T) {
	f := &fakeEmitter{}
	m := New(f)

	m.Offer(sessionExpertEvent("s1", "alpha", domain.EventExpertStarted, nil))
	m.Offer(sessionExpertEvent("s1", "beta", domain.EventExpertStarted, nil))
	m.Offer(sessionExpertEvent("s2", "alpha", domain.EventExpertStarted, nil))

	m.FlushSession("s1")

	if len(f.passthrough) != 2 {
		t.Fatalf("expected both of s1's pending experts flushed, got %d", len(f.passthrough))
	}

	// s2's buffer must be untouched by s1's flush.
	m.FlushSession("s2")
	if len(f.passthrough) != 3 {
		t.Fatalf("expected s2's pending expert flushed separately, got %d", len(f.passthrough))
	}

	// Both sessions now drained; a second flush of either is a no-op.
	m.FlushSession("s1")
	m.FlushSession("s2")
	if len(f.passthrough) != 3 {
		t.Errorf("expected no further passthroughs once both sessions are drained, got %d", len(f.passthrough))
	}
}

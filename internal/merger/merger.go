// Package merger implements the Expert Event Merger (C7): it buffers, per
// session and expert, a short run of sub-events and collapses the pattern
// expert_started -> expert_reasoning -> expert_conclusion into a single
// expert_contribution_complete envelope. Critical events bypass the
// merger entirely; anything outside the pattern passes through unchanged.
package merger

import (
	"sync"

	"github.com/mescon/eventpipe/internal/domain"
)

// Emitter receives envelopes the merger has decided to emit, either
// pass-through sub-events or a collapsed expert_contribution_complete
// envelope. The caller assigns the fresh sequence for merged envelopes,
// since C1 sequencing happens at emission time, not at sub-event arrival.
type Emitter interface {
	EmitMerged(data map[string]interface{}, sources []domain.Envelope)
	EmitPassthrough(e domain.Envelope)
}

type expertState struct {
	mu      sync.Mutex
	pending []domain.Envelope
}

// expertKey scopes a buffer to one expert within one session, so two
// sessions that happen to share an expert_id never have their sub-events
// merged together.
type expertKey struct {
	sessionID string
	expertID  string
}

// Merger holds per-(session, expert) buffers.
type Merger struct {
	mu      sync.Mutex
	experts map[expertKey]*expertState
	emitter Emitter
}

// New creates a Merger that delivers decisions to emitter.
func New(emitter Emitter) *Merger {
	return &Merger{
		experts: make(map[expertKey]*expertState),
		emitter: emitter,
	}
}

func (m *Merger) getOrCreate(key expertKey) *expertState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.experts[key]
	if !ok {
		s = &expertState{}
		m.experts[key] = s
	}
	return s
}

// Offer feeds an envelope through the merger. Critical events are emitted
// immediately, bypassing any buffering. Non-expert sub-events pass
// through unchanged. expert_started/reasoning/conclusion sub-events are
// buffered per (session_id, expert_id) and collapsed once the full pattern
// appears consecutively.
func (m *Merger) Offer(e domain.Envelope) {
	if domain.ClassifyPriority(e.EventType) == domain.PriorityCritical {
		m.emitter.EmitPassthrough(e)
		return
	}

	if !domain.IsExpertSubEvent(e.EventType) {
		m.emitter.EmitPassthrough(e)
		return
	}

	expertID, _ := e.GetString("expert_id")
	if expertID == "" {
		m.emitter.EmitPassthrough(e)
		return
	}

	key := expertKey{sessionID: e.SessionID, expertID: expertID}
	s := m.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, e)
	m.collapseIfComplete(s)
}

// collapseIfComplete must be called with s.mu held. It checks whether the
// last three buffered entries form the greedy positional pattern
// started -> reasoning -> conclusion and, if so, emits the merged envelope
// and drops those three entries from the buffer.
func (m *Merger) collapseIfComplete(s *expertState) {
	n := len(s.pending)
	if n < 3 {
		return
	}
	tail := s.pending[n-3:]
	if tail[0].EventType != domain.EventExpertStarted ||
		tail[1].EventType != domain.EventExpertReasoning ||
		tail[2].EventType != domain.EventExpertConclusion {
		return
	}

	merged := domain.MergeData(tail[0].Data, tail[1].Data, tail[2].Data)
	merged["merged"] = true

	s.pending = s.pending[:n-3]
	m.emitter.EmitMerged(merged, append([]domain.Envelope{}, tail...))
}

// flushKey emits any pending, unmerged sub-events buffered under key as-is
// and clears its buffer, then drops the now-empty entry from experts.
func (m *Merger) flushKey(key expertKey) {
	m.mu.Lock()
	s, ok := m.experts[key]
	if ok {
		delete(m.experts, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, e := range pending {
		m.emitter.EmitPassthrough(e)
	}
}

// FlushExpert emits any pending, unmerged sub-events for a single expert
// within a single session as-is and clears its buffer. Used on forced
// flush or session close.
func (m *Merger) FlushExpert(sessionID, expertID string) {
	m.flushKey(expertKey{sessionID: sessionID, expertID: expertID})
}

// FlushSession emits every pending sub-event buffered for any expert under
// sessionID as-is and clears those buffers, leaving other sessions'
// buffers untouched. Used by Pipeline.FlushSession so a session's merge
// state is fully drained alongside its batch buffer.
func (m *Merger) FlushSession(sessionID string) {
	m.mu.Lock()
	keys := make([]expertKey, 0)
	for k := range m.experts {
		if k.sessionID == sessionID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.flushKey(k)
	}
}

// FlushAll emits every expert's pending sub-events as-is and clears all
// buffers. Used on process shutdown.
func (m *Merger) FlushAll() {
	m.mu.Lock()
	keys := make([]expertKey, 0, len(m.experts))
	for k := range m.experts {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.flushKey(k)
	}
}

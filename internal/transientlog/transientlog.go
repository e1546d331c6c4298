// Package transientlog implements the Transient Log (C2): a bounded-TTL,
// ordered, in-process history of envelopes per session. It exists so a
// reconnecting subscriber can replay recent events without touching the
// Permanent Store. Every append refreshes the session's TTL; a background
// sweep goroutine evicts sessions that have gone quiet, mirroring the
// teacher logger package's periodic rotation/retention housekeeping.
package transientlog

import (
	"sync"
	"time"

	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/domain"
)

const minSweepInterval = time.Second

type session struct {
	mu        sync.Mutex
	entries   []domain.Envelope
	expiresAt time.Time
}

// Log is a keyed, ordered, TTL-bounded history of envelopes.
type Log struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	clk      clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Log whose entries expire ttl after their last append. clk
// lets tests control time; pass clock.RealClock{} in production.
func New(ttl time.Duration, clk clock.Clock) *Log {
	l := &Log{
		sessions: make(map[string]*session),
		ttl:      ttl,
		clk:      clk,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *Log) sweepInterval() time.Duration {
	interval := l.ttl / 10
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

func (l *Log) sweepLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Log) sweep() {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.sessions {
		s.mu.Lock()
		expired := now.After(s.expiresAt)
		s.mu.Unlock()
		if expired {
			delete(l.sessions, id)
		}
	}
}

// Close stops the background sweep goroutine.
func (l *Log) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.doneCh
}

func (l *Log) getOrCreate(sessionID string) *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &session{}
		l.sessions[sessionID] = s
	}
	return s
}

// Append adds an envelope to a session's history and refreshes its TTL.
func (l *Log) Append(e domain.Envelope) {
	s := l.getOrCreate(e.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.expiresAt = l.clk.Now().Add(l.ttl)
}

// Len returns the number of entries currently held for a session.
func (l *Log) Len(sessionID string) int {
	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Range returns entries for sessionID with sequence > sinceSequence, in
// ascending order. Returns (nil, false) when the session has no history at
// all (as opposed to an empty but present history), signalling callers (C9)
// to fall back to the Permanent Store.
func (l *Log) Range(sessionID string, sinceSequence int64) ([]domain.Envelope, bool) {
	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Sequence > sinceSequence {
			out = append(out, e)
		}
	}
	return out, true
}

// Evict removes a session's history immediately, used when a session is
// known to be finished.
func (l *Log) Evict(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Package eventbus implements the Pub/Sub Bus (C3): a per-session,
// in-process topic broadcaster. It is adapted from the predecessor
// service's hub-and-channel broadcaster, generalized from a single global
// topic keyed by event type to one topic per session, and from a
// database-backed publish to a pure in-memory fanout (persistence is C4/C5's
// job, not this package's).
package eventbus

import (
	"sync"

	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/logger"
)

// subscriberBacklog bounds how far behind a subscriber may fall before its
// channel is full and further sends are dropped for it.
const subscriberBacklog = 256

// Bus fans envelopes out to per-session subscribers. Publish never blocks:
// a subscriber that cannot keep up has messages dropped for it, never the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.Envelope]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[chan domain.Envelope]struct{}),
	}
}

// Publish broadcasts an envelope to every live subscriber of its session.
// A subscriber whose buffer is full has the envelope dropped for it;
// Publish logs a warning for each such drop and keeps no count of them.
// C9's replay-then-live seam covers the gap for consumers that reconnect.
func (b *Bus) Publish(e domain.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[e.SessionID] {
		select {
		case ch <- e:
		default:
			logger.Warnf("eventbus: subscriber buffer full for session %s, dropping event %s", e.SessionID, e.EventID())
		}
	}
}

// Subscribe registers a new subscriber for sessionID and returns a channel
// of envelopes along with an unsubscribe function. The caller must call
// unsubscribe when done to release the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope, subscriberBacklog)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[chan domain.Envelope]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[sessionID]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, sessionID)
			}
		}
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of live subscribers for a session,
// used by tests and by health introspection.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

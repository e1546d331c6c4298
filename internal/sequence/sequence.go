// Package sequence implements the per-session monotone sequence counter
// (C1). Each session gets its own post-increment counter starting at 0;
// on first use after a cold start the counter recovers its starting point
// from the Permanent Store's highest persisted sequence for that session,
// so a process restart never reissues a sequence number a consumer has
// already seen.
package sequence

import (
	"context"
	"sync"
)

// Recoverer resolves the last known sequence for a session from durable
// storage. internal/store.Store satisfies this via MaxSequence.
type Recoverer interface {
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
}

// Counter hands out monotonically increasing sequence numbers per session.
type Counter struct {
	mu        sync.Mutex
	recoverer Recoverer
	next      map[string]int64
}

// New creates a Counter that recovers cold-start state from recoverer.
func New(recoverer Recoverer) *Counter {
	return &Counter{
		recoverer: recoverer,
		next:      make(map[string]int64),
	}
}

// Next returns the next sequence number for sessionID, starting at 1 for a
// session never seen before in this process. On first use for a session it
// recovers the in-memory starting point from the Permanent Store, so a
// restarted process continues where the durable log left off.
func (c *Counter) Next(ctx context.Context, sessionID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.next[sessionID]; !seen {
		max, err := c.recoverer.MaxSequence(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		c.next[sessionID] = max
	}

	c.next[sessionID]++
	return c.next[sessionID], nil
}

// Peek returns the last sequence number issued for sessionID without
// advancing it, or 0 if the session has not been recovered or issued yet.
func (c *Counter) Peek(sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next[sessionID]
}

// Forget drops in-memory state for a session, forcing the next Next call
// to recover from the Permanent Store again. Used when a session is known
// to be finished and its memory footprint should be released.
func (c *Counter) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.next, sessionID)
}

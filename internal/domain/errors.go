package domain

import "errors"

// Sentinel errors wrapped with %w at each component boundary. Components
// branch on these with errors.Is rather than maintaining a custom error
// hierarchy, matching the teacher's own error style throughout internal/db
// and internal/services.
var (
	// ErrRetryable marks a failure that the retry queue (C6) should
	// schedule for another attempt.
	ErrRetryable = errors.New("eventpipe: retryable store error")

	// ErrPermanent marks a failure that must not be retried (a malformed
	// or unrepresentable record); it is counted and discarded rather than
	// requeued.
	ErrPermanent = errors.New("eventpipe: permanent store error")

	// ErrNotFound is returned by store reads that find no matching rows.
	ErrNotFound = errors.New("eventpipe: not found")

	// ErrSubscriptionClosed is returned by Subscribe's stream once it has
	// been closed by the caller or by process shutdown.
	ErrSubscriptionClosed = errors.New("eventpipe: subscription closed")

	// ErrCircuitOpen is returned by the circuit breaker when it is
	// rejecting calls to protect a wedged downstream.
	ErrCircuitOpen = errors.New("eventpipe: circuit open")
)

package domain

import "time"

// FailedEvent is the retry-queue record for an envelope that could not be
// persisted to the Permanent Store. RetryCount is bounded to
// [0, MaxRetries]; once it reaches the bound the record is moved to the DLQ
// and MovedToDLQAt is stamped.
type FailedEvent struct {
	Envelope      Envelope
	RetryCount    int
	FirstFailedAt time.Time
	NextRetryAt   time.Time
	OriginalError string
	MovedToDLQAt  *time.Time
}

// InDLQ reports whether the record has exhausted its retry budget.
func (f FailedEvent) InDLQ() bool {
	return f.MovedToDLQAt != nil
}

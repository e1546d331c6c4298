package domain

import "strings"

// Priority is the fixed classification of an event_type, owned by the
// publisher (C8) and consulted by the batcher (C5) and merger (C7).
type Priority int

const (
	// PriorityLow events are batchable and the first dropped under memory
	// pressure.
	PriorityLow Priority = iota
	// PriorityNormal events are batchable.
	PriorityNormal
	// PriorityCritical events must be persisted synchronously, never
	// deferred into a batch window.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// criticalEventTypes holds exact matches; terminal "*_complete" events are
// matched by suffix below, matching the reference's mix of exact and
// pattern-based classification.
var criticalEventTypes = map[string]bool{
	"error":               true,
	"facilitator_decision": true,
}

var lowEventTypes = map[string]bool{
	"status_update":   true,
	"progress":        true,
	"working_status":  true,
}

const completeSuffix = "_complete"

// ClassifyPriority returns the fixed priority for an event_type. Unknown
// event types default to Normal, matching the reference's "batchable unless
// proven otherwise" stance.
func ClassifyPriority(eventType string) Priority {
	if criticalEventTypes[eventType] {
		return PriorityCritical
	}
	if strings.HasSuffix(eventType, completeSuffix) {
		return PriorityCritical
	}
	if lowEventTypes[eventType] {
		return PriorityLow
	}
	return PriorityNormal
}

// Expert sub-event types recognised by the merger (C7). These are never
// critical by the rules above, so merge-pattern matching only ever applies
// to normal/low events, consistent with §4.1 step 5's routing order.
const (
	EventExpertStarted             = "expert_started"
	EventExpertReasoning            = "expert_reasoning"
	EventExpertConclusion           = "expert_conclusion"
	EventExpertContributionComplete = "expert_contribution_complete"
)

// IsExpertSubEvent reports whether eventType participates in the merge
// pattern tracked per-expert by C7.
func IsExpertSubEvent(eventType string) bool {
	switch eventType {
	case EventExpertStarted, EventExpertReasoning, EventExpertConclusion:
		return true
	default:
		return false
	}
}

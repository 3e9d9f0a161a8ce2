package room

import (
	"time"

	"collabsync/backend/internal/crdt"
)

// FragmentAppliedEvent is published to Kafka after a fragment changed a
// room's document, keyed by document id so one doc stays in one partition.
// Downstream consumers build history/audit from it; the engine itself never
// reads it back.
type FragmentAppliedEvent struct {
	EventType string    `json:"eventType"` // always "FRAGMENT_APPLIED"
	DocID     string    `json:"docId"`
	Revision  uint64    `json:"revision"`
	UserID    uint64    `json:"userId"`
	ClientID  string    `json:"clientId"`
	Ops       []crdt.Op `json:"ops"`
	AppliedAt time.Time `json:"appliedAt"`
}

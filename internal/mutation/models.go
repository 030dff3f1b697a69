package mutation

import "time"

// ChangeType classifies a person-record mutation.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

func isChangeType(s string) bool {
	switch ChangeType(s) {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	default:
		return false
	}
}

// RawEvent is the wire shape of one feed mutation, before validation.
// PersonRef carries the burgerservicenummer of the changed person record.
type RawEvent struct {
	EventID           string    `json:"event_id"`
	PersonRef         string    `json:"person_ref"`
	ChangeType        string    `json:"change_type"`
	ChangedAttributes []string  `json:"changed_attributes"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Event is an accepted mutation, normalized and sequenced.
//
// Invariants:
// - EventID is unique within the dedup horizon.
// - Sequence is strictly increasing per PersonRef within a process run.
//   It is not dense: an event bounced for backpressure leaves a gap.
type Event struct {
	EventID           string
	PersonRef         string
	ChangeType        ChangeType
	ChangedAttributes []string
	OccurredAt        time.Time
	Sequence          uint64
	ReceivedAt        time.Time
}

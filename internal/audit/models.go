package audit

import (
	"fmt"
	"strings"
	"time"
)

// Record is one append-only audit trail entry. Every notification lifecycle
// transition writes exactly one record; the trail is the compliance evidence
// that a match happened and what delivery did with it.
//
// Invariants:
// - Records are never updated or deleted.
// - Writes never fail the caller; see Trail.
type Record struct {
	ID             string    `json:"id" db:"id"`
	NotificationID string    `json:"notification_id" db:"notification_id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	EventID        string    `json:"event_id" db:"event_id"`
	Outcome        Outcome   `json:"outcome" db:"outcome"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`

	// Detail is free-form diagnostic context, e.g. "attempt 3: 503".
	Detail string `json:"detail,omitempty" db:"detail"`
}

type Outcome string

const (
	OutcomeMatched        Outcome = "matched"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailedTerminal Outcome = "failed_terminal"
)

// Query selects records for compliance review. Zero-value fields are not
// filtered on. Results are ordered by (timestamp, id) ascending so a cursor
// can restart a review exactly where it stopped.
type Query struct {
	SubscriptionID string
	EventID        string
	From           time.Time
	To             time.Time

	// Cursor is the NextCursor of a previous page; empty starts from the
	// beginning.
	Cursor string
	Limit  int
}

// Page is one query result slice. NextCursor is empty once the result set
// is exhausted.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// cursor encoding: "<RFC3339Nano timestamp>|<record id>"

func encodeCursor(r Record) string {
	return r.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + r.ID
}

func decodeCursor(s string) (time.Time, string, error) {
	if s == "" {
		return time.Time{}, "", nil
	}
	ts, id, ok := strings.Cut(s, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", s)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %v", err)
	}
	return t, id, nil
}

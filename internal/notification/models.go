package notification

import (
	"context"
	"errors"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"

	"github.com/google/uuid"
)

// Notification is one pending delivery of a matched mutation to one
// subscriber. The matcher creates rows; the dispatcher owns every state
// transition after that.
//
// Invariants:
// - (SubscriptionID, EventID) is unique; re-matching the same event can
//   never produce a second row.
// - Exactly one worker holds a row in delivering at a time, enforced by the
//   claim token.
type Notification struct {
	ID             string `json:"notification_id" db:"id"`
	SubscriptionID string `json:"subscription_id" db:"subscription_id"`
	EventID        string `json:"event_id" db:"event_id"`

	// Denormalized event fields so delivery needs no event store lookup.
	PersonRef         string              `json:"person_ref" db:"person_ref"`
	ChangedAttributes []string            `json:"changed_attributes" db:"changed_attributes"`
	ChangeType        mutation.ChangeType `json:"change_type" db:"change_type"`
	OccurredAt        time.Time           `json:"occurred_at" db:"occurred_at"`

	AttemptCount  int       `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	State         State     `json:"state" db:"state"`
	ClaimToken    string    `json:"-" db:"claim_token"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StatePending         State = "pending"
	StateDelivering      State = "delivering"
	StateDelivered       State = "delivered"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

var (
	ErrNotFound = errors.New("notification not found")
	// ErrClaimLost means the row moved on under another claim (stale-claim
	// sweep or a competing worker). The caller's attempt outcome is void.
	ErrClaimLost = errors.New("delivery claim lost")
)

// idNamespace pins deterministic notification ids. Consumers dedup on the
// notification id, so the same (subscription, event) pair must always map to
// the same id, across processes and restarts.
var idNamespace = uuid.MustParse("8d7a2c1e-0f5b-4b9a-9c3d-6e1f0a4b8c2d")

// NewID derives the notification id from (subscriptionID, eventID) as a
// name-based UUID.
func NewID(subscriptionID, eventID string) string {
	return uuid.NewSHA1(idNamespace, []byte(subscriptionID+"\x00"+eventID)).String()
}

// Store persists notifications and enforces the delivery state machine.
//
// Claim semantics: ClaimDue atomically moves due pending rows to delivering
// under the given token. Mark/Schedule/Release calls only apply while the
// caller still holds the claim; a stale token gets ErrClaimLost.
type Store interface {
	// CreateIfAbsent inserts n unless a row for (SubscriptionID, EventID)
	// already exists. Reports whether this call created the row.
	CreateIfAbsent(ctx context.Context, n Notification) (bool, error)

	Get(ctx context.Context, id string) (Notification, error)

	// ClaimDue claims up to limit pending rows with NextAttemptAt <= now.
	ClaimDue(ctx context.Context, now time.Time, claimToken string, limit int) ([]Notification, error)

	MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error
	// ScheduleRetry records a failed attempt and parks the row until
	// nextAttemptAt.
	ScheduleRetry(ctx context.Context, id, claimToken string, attemptCount int, nextAttemptAt, at time.Time) error
	MarkTerminal(ctx context.Context, id, claimToken string, attemptCount int, at time.Time) error
	// Release puts a claimed row back to pending without recording an
	// attempt (used when no delivery was tried, e.g. an inflight cap).
	Release(ctx context.Context, id, claimToken string, nextAttemptAt, at time.Time) error

	// ReleaseDueRetries moves failed_retryable rows whose NextAttemptAt has
	// passed back to pending. Returns how many rows moved.
	ReleaseDueRetries(ctx context.Context, now time.Time) (int, error)
	// SweepStaleClaims returns delivering rows untouched since olderThan to
	// pending; their worker is presumed dead. The attempt count is kept, so
	// a crash mid-attempt can at most duplicate one delivery.
	SweepStaleClaims(ctx context.Context, olderThan, at time.Time) (int, error)
}

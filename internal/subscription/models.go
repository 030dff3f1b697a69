package subscription

import "time"

// Subscription is a standing request ("volgindicatie") by an application to
// be notified when matching person mutations occur.
//
// Invariants:
// - Status only moves forward: active -> suspended -> revoked.
// - Revoked is terminal; nothing transitions out of it.
// - An EndDate bounds the subscription in time without a status change.
//   An ended subscription stops matching but stays readable.
type Subscription struct {
	ID            string         `json:"subscription_id" db:"id"`
	ApplicationID string         `json:"application_id" db:"application_id"`
	OwnerScope    string         `json:"owner_scope" db:"owner_scope"`
	Filter        Predicate      `json:"filter" db:"filter"`
	Target        DeliveryTarget `json:"delivery_target" db:"target"`
	Status        Status         `json:"status" db:"status"`
	EndDate       *time.Time     `json:"end_date,omitempty" db:"end_date"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// DeliveryTarget is where matched notifications are pushed.
// AuthRef names a credential held by the delivery layer; the secret itself
// is never stored on the subscription.
type DeliveryTarget struct {
	URL     string `json:"url"`
	AuthRef string `json:"auth_ref,omitempty"`
}

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// CanTransition reports whether moving from s to next is allowed.
// Transitions are forward-only; repeating the current status is not a
// transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusSuspended || next == StatusRevoked
	case StatusSuspended:
		return next == StatusRevoked
	default:
		return false
	}
}

func isStatus(s Status) bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked:
		return true
	default:
		return false
	}
}

// ActiveAt reports whether the subscription should be considered for
// matching at t.
func (sub Subscription) ActiveAt(t time.Time) bool {
	if sub.Status != StatusActive {
		return false
	}
	if sub.EndDate != nil && !sub.EndDate.After(t) {
		return false
	}
	return true
}

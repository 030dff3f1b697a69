package notification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]Notification
	byPair map[string]string // subscriptionID "\x00" eventID -> notification id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[string]Notification),
		byPair: make(map[string]string),
	}
}

func pairKey(subscriptionID, eventID string) string {
	return subscriptionID + "\x00" + eventID
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, n Notification) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(n.SubscriptionID, n.EventID)
	if _, exists := s.byPair[key]; exists {
		return false, nil
	}
	s.rows[n.ID] = cloneNotification(n)
	s.byPair[key] = n.ID
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return cloneNotification(n), nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, claimToken string, limit int) ([]Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Notification
	for _, n := range s.rows {
		if n.State == StatePending && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	// oldest first so starved rows surface
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Notification, 0, len(due))
	for _, n := range due {
		n.State = StateDelivering
		n.ClaimToken = claimToken
		n.UpdatedAt = now
		s.rows[n.ID] = n
		out = append(out, cloneNotification(n))
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error {
	return s.transition(ctx, id, claimToken, func(n *Notification) {
		n.State = StateDelivered
		n.ClaimToken = ""
		n.UpdatedAt = at
	})
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, id, claimToken string, attemptCount int, nextAttemptAt, at time.Time) error {
	return s.transition(ctx, id, claimToken, func(n *Notification) {
		n.State = StateFailedRetryable
		n.AttemptCount = attemptCount
		n.NextAttemptAt = nextAttemptAt
		n.ClaimToken = ""
		n.UpdatedAt = at
	})
}

func (s *MemoryStore) MarkTerminal(ctx context.Context, id, claimToken string, attemptCount int, at time.Time) error {
	return s.transition(ctx, id, claimToken, func(n *Notification) {
		n.State = StateFailedTerminal
		n.AttemptCount = attemptCount
		n.ClaimToken = ""
		n.UpdatedAt = at
	})
}

func (s *MemoryStore) Release(ctx context.Context, id, claimToken string, nextAttemptAt, at time.Time) error {
	return s.transition(ctx, id, claimToken, func(n *Notification) {
		n.State = StatePending
		n.NextAttemptAt = nextAttemptAt
		n.ClaimToken = ""
		n.UpdatedAt = at
	})
}

func (s *MemoryStore) transition(ctx context.Context, id, claimToken string, apply func(*Notification)) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if n.State != StateDelivering || n.ClaimToken != claimToken {
		return ErrClaimLost
	}
	apply(&n)
	s.rows[id] = n
	return nil
}

func (s *MemoryStore) ReleaseDueRetries(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for id, n := range s.rows {
		if n.State == StateFailedRetryable && !n.NextAttemptAt.After(now) {
			n.State = StatePending
			n.UpdatedAt = now
			s.rows[id] = n
			moved++
		}
	}
	return moved, nil
}

func (s *MemoryStore) SweepStaleClaims(ctx context.Context, olderThan, at time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for id, n := range s.rows {
		if n.State == StateDelivering && n.UpdatedAt.Before(olderThan) {
			n.State = StatePending
			n.ClaimToken = ""
			n.UpdatedAt = at
			s.rows[id] = n
			moved++
		}
	}
	return moved, nil
}

func cloneNotification(n Notification) Notification {
	out := n
	if len(n.ChangedAttributes) > 0 {
		out.ChangedAttributes = append([]string(nil), n.ChangedAttributes...)
	}
	return out
}

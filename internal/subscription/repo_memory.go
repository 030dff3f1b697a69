package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository for tests and single-node use.
// Reads return copies; the internal map is never exposed, so snapshots stay
// stable while writers proceed.
type MemoryRepo struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{subs: make(map[string]Subscription)}
}

func (r *MemoryRepo) Create(ctx context.Context, sub Subscription) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	r.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Subscription, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (r *MemoryRepo) ListByApplication(ctx context.Context, applicationID string) ([]Subscription, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, sub := range r.subs {
		if sub.ApplicationID == applicationID {
			out = append(out, cloneSubscription(sub))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *MemoryRepo) ListActive(ctx context.Context, at time.Time) ([]Subscription, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, sub := range r.subs {
		if !sub.ActiveAt(at) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *MemoryRepo) CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = to
	cur.UpdatedAt = at
	r.subs[id] = cur
	return true, nil
}

func (r *MemoryRepo) SetEndDate(ctx context.Context, id string, endDate, at time.Time) (Subscription, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	d := endDate
	cur.EndDate = &d
	cur.UpdatedAt = at
	r.subs[id] = cur
	return cloneSubscription(cur), nil
}

// stable order for listings: oldest first, id as tiebreaker
func sortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func cloneSubscription(s Subscription) Subscription {
	out := s
	out.Filter = clonePredicate(s.Filter)
	if s.EndDate != nil {
		d := *s.EndDate
		out.EndDate = &d
	}
	return out
}

func clonePredicate(p Predicate) Predicate {
	out := Predicate{Kind: p.Kind}
	if len(p.Values) > 0 {
		out.Values = append([]string(nil), p.Values...)
	}
	for _, c := range p.Children {
		out.Children = append(out.Children, clonePredicate(c))
	}
	return out
}

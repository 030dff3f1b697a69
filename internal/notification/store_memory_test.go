package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
)

func testNotification(subID, eventID string, now time.Time) Notification {
	return Notification{
		ID:                NewID(subID, eventID),
		SubscriptionID:    subID,
		EventID:           eventID,
		PersonRef:         "111222333",
		ChangedAttributes: []string{"address"},
		ChangeType:        mutation.ChangeUpdated,
		OccurredAt:        now,
		NextAttemptAt:     now,
		State:             StatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestNewIDDeterministic(t *testing.T) {
	a := NewID("sub-1", "ev-1")
	b := NewID("sub-1", "ev-1")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if NewID("sub-1", "ev-2") == a {
		t.Fatalf("expected different events to get different ids")
	}
	if NewID("sub-2", "ev-1") == a {
		t.Fatalf("expected different subscriptions to get different ids")
	}
}

func TestCreateIfAbsentIsIdempotent(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewMemoryStore()

	created, err := store.CreateIfAbsent(context.Background(), testNotification("sub-1", "ev-1", now))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = store.CreateIfAbsent(context.Background(), testNotification("sub-1", "ev-1", now))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate pair to be a no-op")
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewMemoryStore()
	for _, ev := range []string{"ev-1", "ev-2", "ev-3", "ev-4"} {
		if _, err := store.CreateIfAbsent(context.Background(), testNotification("sub-1", ev, now)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seen   = map[string]int{}
		tokens = []string{"worker-a", "worker-b", "worker-c"}
	)
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			claimed, err := store.ClaimDue(context.Background(), now, tok, 10)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, n := range claimed {
				seen[n.ID]++
			}
			mu.Unlock()
		}(tok)
	}
	wg.Wait()

	if len(seen) != 4 {
		t.Fatalf("expected all 4 rows claimed, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("notification %s claimed %d times", id, count)
		}
	}
}

func TestTransitionsRequireLiveClaim(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewMemoryStore()
	n := testNotification("sub-1", "ev-1", now)
	if _, err := store.CreateIfAbsent(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := store.ClaimDue(context.Background(), now, "tok-1", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d rows)", err, len(claimed))
	}

	if err := store.MarkDelivered(context.Background(), n.ID, "tok-stale", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for stale token, got %v", err)
	}
	if err := store.MarkDelivered(context.Background(), n.ID, "tok-1", now); err != nil {
		t.Fatalf("deliver with live claim: %v", err)
	}
	// the claim is consumed; a second completion attempt must fail
	if err := store.MarkDelivered(context.Background(), n.ID, "tok-1", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after completion, got %v", err)
	}

	got, err := store.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDelivered {
		t.Fatalf("expected delivered, got %s", got.State)
	}
}

func TestRetrySchedulingAndRelease(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewMemoryStore()
	n := testNotification("sub-1", "ev-1", now)
	if _, err := store.CreateIfAbsent(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.ClaimDue(context.Background(), now, "tok-1", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v", err)
	}
	next := now.Add(30 * time.Second)
	if err := store.ScheduleRetry(context.Background(), n.ID, "tok-1", 1, next, now); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	// not due yet: nothing claimable, nothing released
	if claimed, _ := store.ClaimDue(context.Background(), now, "tok-2", 1); len(claimed) != 0 {
		t.Fatalf("expected no claimable rows before retry is due")
	}
	moved, err := store.ReleaseDueRetries(context.Background(), now)
	if err != nil || moved != 0 {
		t.Fatalf("expected 0 released, got %d (%v)", moved, err)
	}

	moved, err = store.ReleaseDueRetries(context.Background(), next)
	if err != nil || moved != 1 {
		t.Fatalf("expected 1 released, got %d (%v)", moved, err)
	}
	claimed, err = store.ClaimDue(context.Background(), next, "tok-2", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim after release: %v (%d rows)", err, len(claimed))
	}
	if claimed[0].AttemptCount != 1 {
		t.Fatalf("expected attempt count preserved, got %d", claimed[0].AttemptCount)
	}
}

func TestSweepStaleClaims(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewMemoryStore()
	n := testNotification("sub-1", "ev-1", now)
	if _, err := store.CreateIfAbsent(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), now, "tok-dead", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	later := now.Add(10 * time.Minute)
	moved, err := store.SweepStaleClaims(context.Background(), now.Add(5*time.Minute), later)
	if err != nil || moved != 1 {
		t.Fatalf("expected 1 swept, got %d (%v)", moved, err)
	}

	// the dead worker's token no longer completes anything
	if err := store.MarkDelivered(context.Background(), n.ID, "tok-dead", later); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for swept claim, got %v", err)
	}
	claimed, err := store.ClaimDue(context.Background(), later, "tok-new", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected swept row to be claimable: %v", err)
	}
}

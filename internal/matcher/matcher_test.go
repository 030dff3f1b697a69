package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/notification"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"
)

const (
	testScope = "benk-brp-volgindicaties-api"
	// valid burgerservicenummers (pass the eleven test)
	bsnP1 = "111222333"
	bsnP2 = "123456782"
)

type recordingTrail struct {
	recs []audit.Record
}

func (t *recordingTrail) Record(rec audit.Record) {
	t.recs = append(t.recs, rec)
}

type fixture struct {
	subs    *subscription.Service
	store   *notification.MemoryStore
	trail   *recordingTrail
	matcher *Matcher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	subs := subscription.NewService(subscription.NewMemoryRepo())
	store := notification.NewMemoryStore()
	trail := &recordingTrail{}
	authz := NewRegisterAuthorizer([]string{testScope}, nil)

	mt := New(subs, store, trail, authz, nil, nil)
	mt.clock = func() time.Time { return now }
	return &fixture{subs: subs, store: store, trail: trail, matcher: mt, now: now}
}

func (f *fixture) createSubscription(t *testing.T, filter subscription.Predicate) subscription.Subscription {
	t.Helper()
	sub, err := f.subs.Create(context.Background(), subscription.CreateRequest{
		ApplicationID: "app-meldingen",
		OwnerScope:    testScope,
		Filter:        filter,
		Target:        subscription.DeliveryTarget{URL: "https://meldingen.example.amsterdam.nl/hooks/brp"},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func addressEvent(eventID, personRef string, now time.Time) mutation.Event {
	return mutation.Event{
		EventID:           eventID,
		PersonRef:         personRef,
		ChangeType:        mutation.ChangeUpdated,
		ChangedAttributes: []string{"address"},
		OccurredAt:        now,
		Sequence:          1,
		ReceivedAt:        now,
	}
}

func (f *fixture) pending(t *testing.T, subID, eventID string) (notification.Notification, bool) {
	t.Helper()
	n, err := f.store.Get(context.Background(), notification.NewID(subID, eventID))
	if errors.Is(err, notification.ErrNotFound) {
		return notification.Notification{}, false
	}
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	return n, true
}

func TestAddressChangeMatchesAddressWatcher(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"address"},
	})

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}

	n, ok := f.pending(t, sub.ID, "E1")
	if !ok {
		t.Fatalf("expected a pending notification")
	}
	if n.State != notification.StatePending {
		t.Fatalf("expected pending state, got %s", n.State)
	}
	if n.PersonRef != bsnP1 || n.ChangeType != mutation.ChangeUpdated {
		t.Fatalf("unexpected payload fields: %+v", n)
	}

	if len(f.trail.recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(f.trail.recs))
	}
	rec := f.trail.recs[0]
	if rec.Outcome != audit.OutcomeMatched || rec.SubscriptionID != sub.ID || rec.EventID != "E1" {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
}

func TestNameWatcherIgnoresAddressChange(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"name"},
	})

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, ok := f.pending(t, sub.ID, "E1"); ok {
		t.Fatalf("expected no notification for an unwatched attribute")
	}
	if len(f.trail.recs) != 0 {
		t.Fatalf("expected no audit records, got %d", len(f.trail.recs))
	}
}

func TestEmptyWatchedSetMatchesAnyChange(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{Kind: subscription.KindAttributes})

	ev := addressEvent("E1", bsnP1, f.now)
	ev.ChangedAttributes = []string{"nationality"}
	if err := f.matcher.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.pending(t, sub.ID, "E1"); !ok {
		t.Fatalf("expected watch-all filter to match")
	}
}

func TestReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"address"},
	})

	ev := addressEvent("E1", bsnP1, f.now)
	for i := 0; i < 2; i++ {
		if err := f.matcher.ProcessEvent(context.Background(), ev); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	n, ok := f.pending(t, sub.ID, "E1")
	if !ok {
		t.Fatalf("expected a notification")
	}
	if n.AttemptCount != 0 || n.State != notification.StatePending {
		t.Fatalf("expected untouched pending row, got %+v", n)
	}
	// exactly one row exists; a second would need a different pair key
	if id := notification.NewID(sub.ID, "E1"); n.ID != id {
		t.Fatalf("unexpected id %s", n.ID)
	}
}

func TestRevokedSubscriptionNeverMatches(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"address"},
	})
	if _, err := f.subs.UpdateStatus(context.Background(), sub.ID, subscription.StatusRevoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.pending(t, sub.ID, "E1"); ok {
		t.Fatalf("expected no notification after revoke")
	}
}

// raceSource revokes the subscription after the active-set snapshot is
// taken, exercising the status re-check before row creation.
type raceSource struct {
	*subscription.Service
	revoke func()
}

func (s *raceSource) ListActive(ctx context.Context) ([]subscription.Subscription, error) {
	subs, err := s.Service.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.revoke()
	return subs, nil
}

func TestConcurrentRevokeWinsOverSnapshot(t *testing.T) {
	f := newFixture(t)
	sub := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"address"},
	})

	src := &raceSource{Service: f.subs, revoke: func() {
		if _, err := f.subs.UpdateStatus(context.Background(), sub.ID, subscription.StatusRevoked); err != nil {
			t.Errorf("revoke: %v", err)
		}
	}}
	f.matcher.subs = src

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.pending(t, sub.ID, "E1"); ok {
		t.Fatalf("expected the mid-pass revoke to suppress the notification")
	}
}

func TestRestrictedPersonIsNeverExposed(t *testing.T) {
	f := newFixture(t)
	f.matcher.authz = NewRegisterAuthorizer([]string{testScope}, []string{bsnP1})
	sub := f.createSubscription(t, subscription.Predicate{Kind: subscription.KindAttributes})

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.pending(t, sub.ID, "E1"); ok {
		t.Fatalf("expected supply restriction to suppress the match")
	}

	// other persons are unaffected
	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E2", bsnP2, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.pending(t, sub.ID, "E2"); !ok {
		t.Fatalf("expected unrestricted person to match")
	}
}

func TestBrokenPredicateSkipsOnlyThatSubscription(t *testing.T) {
	f := newFixture(t)
	good := f.createSubscription(t, subscription.Predicate{
		Kind: subscription.KindAttributes, Values: []string{"address"},
	})

	// A predicate kind this engine version does not know, planted directly
	// in the repository as a newer writer could.
	broken := subscription.Subscription{
		ID:            "sub-broken",
		ApplicationID: "app-meldingen",
		OwnerScope:    testScope,
		Filter:        subscription.Predicate{Kind: "geo_fence"},
		Target:        subscription.DeliveryTarget{URL: "https://meldingen.example.amsterdam.nl/hooks/brp"},
		Status:        subscription.StatusActive,
		CreatedAt:     f.now.Add(-time.Hour),
		UpdatedAt:     f.now.Add(-time.Hour),
	}
	repo := subscription.NewMemoryRepo()
	for _, sub := range []subscription.Subscription{broken} {
		if err := repo.Create(context.Background(), sub); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// merge both sources through a fresh service over a repo holding both
	merged := subscription.NewMemoryRepo()
	gotGood, err := f.subs.Get(context.Background(), good.ID)
	if err != nil {
		t.Fatalf("get good: %v", err)
	}
	for _, sub := range []subscription.Subscription{broken, gotGood} {
		if err := merged.Create(context.Background(), sub); err != nil {
			t.Fatalf("seed merged: %v", err)
		}
	}
	f.matcher.subs = subscription.NewService(merged)

	if err := f.matcher.ProcessEvent(context.Background(), addressEvent("E1", bsnP1, f.now)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, ok := f.pending(t, "sub-broken", "E1"); ok {
		t.Fatalf("expected broken predicate not to match")
	}
	if _, ok := f.pending(t, good.ID, "E1"); !ok {
		t.Fatalf("expected healthy subscription to still be evaluated")
	}
}

package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/metrics"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/notification"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"
)

// SubscriptionSource is the registry read surface the matcher needs.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]subscription.Subscription, error)
	Get(ctx context.Context, id string) (subscription.Subscription, error)
}

// Matcher evaluates accepted mutation events against the active subscription
// set and creates pending notifications.
//
// Contract:
// - A subscription matches when its predicate holds AND its owner scope is
//   authorized for the person.
// - The matched audit record is written before the notification row, so a
//   match is auditable even if delivery never starts.
// - Creation is idempotent per (subscription, event); reprocessing an event
//   never produces a second row.
// - One subscription failing to evaluate is logged and skipped; the rest of
//   the active set is still evaluated.
type Matcher struct {
	subs  SubscriptionSource
	store notification.Store
	trail audit.Recorder
	authz Authorizer
	log   *slog.Logger
	m     *metrics.Metrics
	clock func() time.Time
}

func New(subs SubscriptionSource, store notification.Store, trail audit.Recorder, authz Authorizer, log *slog.Logger, m *metrics.Metrics) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		subs:  subs,
		store: store,
		trail: trail,
		authz: authz,
		log:   log,
		m:     m,
		clock: time.Now,
	}
}

// Run consumes one intake shard until ctx is done. A shard carries all
// events for its persons in intake order, so processing sequentially here is
// what preserves the per-person ordering guarantee.
func (mt *Matcher) Run(ctx context.Context, events <-chan mutation.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			for {
				err := mt.ProcessEvent(ctx, ev)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Registry unreachable. The event stays ours; retrying it
				// here, before touching the rest of the shard, keeps the
				// per-person order intact.
				mt.log.Error("matching failed, retrying event",
					"event_id", ev.EventID, "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// ProcessEvent evaluates one event against the whole active set. It returns
// an error only when the active set could not be read; per-subscription
// failures are contained.
func (mt *Matcher) ProcessEvent(ctx context.Context, ev mutation.Event) error {
	started := mt.clock()

	active, err := mt.subs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active subscriptions: %w", err)
	}

	in := subscription.MatchInput{
		PersonRef:         ev.PersonRef,
		ChangeType:        string(ev.ChangeType),
		ChangedAttributes: ev.ChangedAttributes,
	}

	for _, sub := range active {
		if err := mt.evaluate(ctx, sub, ev, in); err != nil {
			mt.log.Error("subscription evaluation failed, skipped",
				"subscription_id", sub.ID,
				"event_id", ev.EventID,
				"error", err,
			)
		}
	}

	mt.m.ObserveMatchLatency(mt.clock().Sub(started))
	return nil
}

func (mt *Matcher) evaluate(ctx context.Context, sub subscription.Subscription, ev mutation.Event, in subscription.MatchInput) error {
	matched, err := sub.Filter.Eval(in)
	if err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	if !matched {
		return nil
	}

	allowed, err := mt.authz.Authorize(ctx, sub.OwnerScope, ev.PersonRef)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !allowed {
		mt.log.Debug("match suppressed by authorization",
			"subscription_id", sub.ID, "event_id", ev.EventID, "owner_scope", sub.OwnerScope)
		return nil
	}

	// Re-read right before creating the row: the active set is a snapshot,
	// and a revoke issued since then must win.
	now := mt.clock().UTC()
	fresh, err := mt.subs.Get(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("re-check status: %w", err)
	}
	if !fresh.ActiveAt(now) {
		mt.log.Debug("subscription no longer active, match dropped",
			"subscription_id", sub.ID, "event_id", ev.EventID, "status", fresh.Status)
		return nil
	}

	id := notification.NewID(sub.ID, ev.EventID)

	// Audit first: the match must be on record even if the insert below, or
	// everything after it, never happens.
	mt.trail.Record(audit.Record{
		NotificationID: id,
		SubscriptionID: sub.ID,
		EventID:        ev.EventID,
		Outcome:        audit.OutcomeMatched,
		Detail:         fmt.Sprintf("change_type=%s person_ref=%s", ev.ChangeType, ev.PersonRef),
	})

	created, err := mt.store.CreateIfAbsent(ctx, notification.Notification{
		ID:                id,
		SubscriptionID:    sub.ID,
		EventID:           ev.EventID,
		PersonRef:         ev.PersonRef,
		ChangedAttributes: ev.ChangedAttributes,
		ChangeType:        ev.ChangeType,
		OccurredAt:        ev.OccurredAt,
		NextAttemptAt:     now,
		State:             notification.StatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if created {
		mt.m.IncNotificationsCreated()
	}
	return nil
}

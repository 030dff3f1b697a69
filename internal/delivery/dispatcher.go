package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/metrics"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/notification"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SubscriptionSource resolves a notification's delivery target.
type SubscriptionSource interface {
	Get(ctx context.Context, id string) (subscription.Subscription, error)
}

// Options tune the dispatcher loop.
type Options struct {
	Workers      int
	PollInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
}

func (o Options) withDefaults() Options {
	out := o
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.ClaimTTL <= 0 {
		out.ClaimTTL = 5 * time.Minute
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	return out
}

// Dispatcher drives pending notifications through the delivery state
// machine: claim, attempt, then delivered / retry / terminal.
//
// Contract:
// - At-least-once: a crash between sending and marking delivered means the
//   stale-claim sweep re-releases the row and the payload goes out again.
//   Subscribers dedup on notification_id.
// - Every transition writes an audit record.
// - Failure isolation is per notification: one endpoint failing or hanging
//   affects only the worker holding that one claim.
type Dispatcher struct {
	store   notification.Store
	subs    SubscriptionSource
	sender  Sender
	trail   audit.Recorder
	policy  Policy
	opts    Options
	limiter Limiter // optional
	log     *slog.Logger
	m       *metrics.Metrics
	clock   func() time.Time
	jitter  func(n int64) int64
}

func NewDispatcher(store notification.Store, subs SubscriptionSource, sender Sender, trail audit.Recorder, policy Policy, opts Options, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Dispatcher{
		store:  store,
		subs:   subs,
		sender: sender,
		trail:  trail,
		policy: policy,
		opts:   opts.withDefaults(),
		log:    log,
		m:      m,
		clock:  time.Now,
		jitter: rand.Int63n,
	}
}

// SetLimiter installs an optional per-target in-flight cap.
func (d *Dispatcher) SetLimiter(l Limiter) { d.limiter = l }

// Run operates the scheduler loop and the worker pool until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan notification.Notification)

	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case n := <-jobs:
					d.Dispatch(ctx, n)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				claimed, err := d.schedule(ctx)
				if err != nil {
					d.log.Error("delivery scheduling failed", "error", err)
					continue
				}
				for _, n := range claimed {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case jobs <- n:
					}
				}
			}
		}
	})

	return g.Wait()
}

// schedule releases due retries, rescues stale claims, and claims the next
// batch of due rows under a fresh claim token.
func (d *Dispatcher) schedule(ctx context.Context) ([]notification.Notification, error) {
	now := d.clock().UTC()

	released, err := d.store.ReleaseDueRetries(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("release due retries: %w", err)
	}
	if released > 0 {
		d.log.Debug("retries released", "count", released)
	}

	swept, err := d.store.SweepStaleClaims(ctx, now.Add(-d.opts.ClaimTTL), now)
	if err != nil {
		return nil, fmt.Errorf("sweep stale claims: %w", err)
	}
	if swept > 0 {
		d.log.Warn("stale delivery claims swept back to pending", "count", swept)
	}

	claimed, err := d.store.ClaimDue(ctx, now, uuid.NewString(), d.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	return claimed, nil
}

// Dispatch performs one delivery attempt for a claimed notification and
// records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, n notification.Notification) {
	log := d.log.With("notification_id", n.ID, "subscription_id", n.SubscriptionID, "event_id", n.EventID)

	sub, err := d.subs.Get(ctx, n.SubscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			// Target gone entirely; nothing left to deliver to.
			d.finishTerminal(ctx, n, n.AttemptCount, "subscription no longer exists", log)
			return
		}
		log.Error("subscription lookup failed, releasing claim", "error", err)
		d.release(ctx, n, log)
		return
	}

	if d.limiter != nil {
		ok, err := d.limiter.Acquire(ctx, n.SubscriptionID)
		if err != nil {
			log.Warn("inflight limiter unavailable, proceeding uncapped", "error", err)
		} else if !ok {
			// Target saturated. Put the row back without burning an attempt.
			d.release(ctx, n, log)
			return
		} else {
			defer func() {
				if err := d.limiter.Release(ctx, n.SubscriptionID); err != nil {
					log.Warn("inflight limiter release failed", "error", err)
				}
			}()
		}
	}

	now := d.clock().UTC()
	if d.policy.MaxElapsed > 0 && now.Sub(n.CreatedAt) >= d.policy.MaxElapsed {
		d.finishTerminal(ctx, n, n.AttemptCount, fmt.Sprintf("retry window of %s exceeded", d.policy.MaxElapsed), log)
		return
	}

	attempt := n.AttemptCount + 1
	started := d.clock()
	res := d.sender.Send(ctx, sub.Target, Payload{
		NotificationID:    n.ID,
		EventID:           n.EventID,
		PersonRef:         n.PersonRef,
		ChangedAttributes: n.ChangedAttributes,
		ChangeType:        string(n.ChangeType),
		OccurredAt:        n.OccurredAt,
	})
	d.m.ObserveDeliveryLatency(d.clock().Sub(started))

	now = d.clock().UTC()
	detail := fmt.Sprintf("attempt %d: %s", attempt, res.Detail)

	if res.Success {
		if err := d.store.MarkDelivered(ctx, n.ID, n.ClaimToken, now); err != nil {
			// Claim lost mid-attempt: the sweep re-released the row. The
			// payload may go out twice; that is the at-least-once contract.
			log.Warn("delivered but claim lost, duplicate possible", "error", err)
			return
		}
		d.m.IncDeliveryOutcome("delivered")
		d.trail.Record(audit.Record{
			NotificationID: n.ID,
			SubscriptionID: n.SubscriptionID,
			EventID:        n.EventID,
			Outcome:        audit.OutcomeDelivered,
			Detail:         detail,
		})
		log.Info("notification delivered", "attempt", attempt)
		return
	}

	if d.policy.Exhausted(attempt, n.CreatedAt, now) {
		d.finishTerminal(ctx, n, attempt, detail, log)
		return
	}

	delay := d.backoffWithJitter(attempt)
	nextAt := now.Add(delay)
	if err := d.store.ScheduleRetry(ctx, n.ID, n.ClaimToken, attempt, nextAt, now); err != nil {
		log.Warn("retry scheduling lost claim", "error", err)
		return
	}
	d.m.IncDeliveryOutcome("retry_scheduled")
	d.trail.Record(audit.Record{
		NotificationID: n.ID,
		SubscriptionID: n.SubscriptionID,
		EventID:        n.EventID,
		Outcome:        audit.OutcomeRetryScheduled,
		Detail:         fmt.Sprintf("%s, next attempt in %s", detail, delay.Round(time.Millisecond)),
	})
	log.Warn("delivery failed, retry scheduled", "attempt", attempt, "next_attempt_at", nextAt, "detail", res.Detail)
}

func (d *Dispatcher) finishTerminal(ctx context.Context, n notification.Notification, attempts int, detail string, log *slog.Logger) {
	now := d.clock().UTC()
	if err := d.store.MarkTerminal(ctx, n.ID, n.ClaimToken, attempts, now); err != nil {
		log.Warn("terminal transition lost claim", "error", err)
		return
	}
	d.m.IncDeliveryOutcome("failed_terminal")
	d.trail.Record(audit.Record{
		NotificationID: n.ID,
		SubscriptionID: n.SubscriptionID,
		EventID:        n.EventID,
		Outcome:        audit.OutcomeFailedTerminal,
		Detail:         detail,
	})
	log.Error("delivery exhausted, manual remediation required", "attempts", attempts, "detail", detail)
}

func (d *Dispatcher) release(ctx context.Context, n notification.Notification, log *slog.Logger) {
	now := d.clock().UTC()
	if err := d.store.Release(ctx, n.ID, n.ClaimToken, now.Add(d.opts.PollInterval), now); err != nil {
		log.Warn("claim release failed", "error", err)
	}
}

// backoffWithJitter applies full jitter: a uniform draw from (0, delay].
// Jitter spreads retry bursts after a subscriber outage; the underlying
// pre-jitter delay stays non-decreasing per attempt.
func (d *Dispatcher) backoffWithJitter(attempt int) time.Duration {
	delay := d.policy.Delay(attempt)
	if delay <= 0 {
		return 0
	}
	return time.Duration(d.jitter(int64(delay))) + 1
}

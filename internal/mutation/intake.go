package mutation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/metrics"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/person"
)

type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
)

var (
	ErrMalformed = errors.New("malformed mutation event")
	// ErrBusy means the queue stayed full for the caller's whole deadline.
	// The event was not taken; upstream must retry or hold its offset.
	ErrBusy = errors.New("intake queue full")
)

// Deduper remembers seen event ids within a horizon.
type Deduper interface {
	// MarkSeen records id and reports whether it was already present.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget removes id again. Intake needs this when an event bounces for
	// backpressure after being marked: the upstream retry must not be
	// mistaken for a duplicate.
	Forget(ctx context.Context, id string) error
}

// Intake validates, deduplicates, sequences and queues mutation events.
//
// The queue is sharded by person reference: one matcher worker owns one
// shard, so all events for a person flow through a single channel in FIFO
// order. Order across persons is not defined, matching the feed contract.
//
// Ordering holds for an upstream that delivers one person's events
// sequentially (the Kafka feed does: same key, same partition). Concurrent
// HTTP posts for one person carry no upstream order to preserve.
type Intake struct {
	shards []chan Event
	dedup  Deduper
	log    *slog.Logger
	m      *metrics.Metrics
	clock  func() time.Time

	mu  sync.Mutex
	seq map[string]uint64
}

func NewIntake(shardCount, queueSize int, dedup Deduper, log *slog.Logger, m *metrics.Metrics) *Intake {
	if shardCount <= 0 {
		shardCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	shards := make([]chan Event, shardCount)
	for i := range shards {
		shards[i] = make(chan Event, queueSize)
	}
	return &Intake{
		shards: shards,
		dedup:  dedup,
		log:    log,
		m:      m,
		clock:  time.Now,
		seq:    make(map[string]uint64),
	}
}

// Ingest validates and queues one raw event.
//
// Results:
// - (IngestAccepted, nil): queued for matching.
// - (IngestDuplicate, nil): already seen within the horizon; no-op.
// - ErrMalformed: rejected and logged, never queued.
// - ErrBusy: queue full until ctx expired; the event was NOT taken.
//
// A full queue blocks until space frees up or ctx is done. Callers choose
// the backpressure posture through ctx: HTTP intake passes a short deadline
// and turns ErrBusy into 503, the feed consumer passes its run context and
// simply blocks, which leaves the broker offset uncommitted.
func (in *Intake) Ingest(ctx context.Context, raw RawEvent) (IngestStatus, error) {
	ev, err := normalize(raw)
	if err != nil {
		in.m.IncIntake("malformed")
		in.log.Warn("rejected mutation event",
			"event_id", raw.EventID,
			"change_type", raw.ChangeType,
			"error", err,
		)
		return "", err
	}

	already, err := in.dedup.MarkSeen(ctx, ev.EventID)
	if err != nil {
		// Dedup store down. Accepting a possible duplicate beats losing an
		// event: notification creation downstream is idempotent per
		// (subscription, event) anyway.
		in.log.Warn("dedup unavailable, accepting event unchecked", "event_id", ev.EventID, "error", err)
	} else if already {
		in.m.IncIntake("duplicate")
		return IngestDuplicate, nil
	}

	ev.Sequence = in.nextSeq(ev.PersonRef)
	ev.ReceivedAt = in.clock().UTC()

	i := shardIndex(ev.PersonRef, len(in.shards))
	select {
	case in.shards[i] <- ev:
		in.m.IncIntake("accepted")
		in.m.SetQueueDepth(i, len(in.shards[i]))
		return IngestAccepted, nil
	case <-ctx.Done():
		// The event was not taken, so it must not stay in the seen set; the
		// upstream retry has to land as a fresh accept, not a duplicate.
		if err := in.dedup.Forget(context.WithoutCancel(ctx), ev.EventID); err != nil {
			in.log.Warn("dedup unmark failed after backpressure; upstream retry may read as duplicate",
				"event_id", ev.EventID, "error", err)
		}
		in.m.IncIntake("busy")
		return "", ErrBusy
	}
}

// Shards returns the shard count; one matcher worker consumes one shard.
func (in *Intake) Shards() int { return len(in.shards) }

// Shard returns the receive side of shard i.
func (in *Intake) Shard(i int) <-chan Event { return in.shards[i] }

func (in *Intake) nextSeq(personRef string) uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seq[personRef]++
	return in.seq[personRef]
}

func normalize(raw RawEvent) (Event, error) {
	if raw.EventID == "" {
		return Event{}, fmt.Errorf("%w: event_id is required", ErrMalformed)
	}
	if raw.PersonRef == "" {
		return Event{}, fmt.Errorf("%w: person_ref is required", ErrMalformed)
	}
	if !person.ValidBSN(raw.PersonRef) {
		return Event{}, fmt.Errorf("%w: person_ref is not a valid burgerservicenummer", ErrMalformed)
	}
	if !isChangeType(raw.ChangeType) {
		return Event{}, fmt.Errorf("%w: unknown change_type %q", ErrMalformed, raw.ChangeType)
	}
	if raw.OccurredAt.IsZero() {
		return Event{}, fmt.Errorf("%w: occurred_at is required", ErrMalformed)
	}
	return Event{
		EventID:           raw.EventID,
		PersonRef:         raw.PersonRef,
		ChangeType:        ChangeType(raw.ChangeType),
		ChangedAttributes: raw.ChangedAttributes,
		OccurredAt:        raw.OccurredAt.UTC(),
	}, nil
}

func shardIndex(personRef string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(personRef))
	return int(h.Sum32() % uint32(shards))
}

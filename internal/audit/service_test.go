package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingRepo struct {
	MemoryRepo
	fail bool
}

func (r *failingRepo) AppendBatch(ctx context.Context, recs []Record) error {
	if r.fail {
		return errors.New("sink down")
	}
	return r.MemoryRepo.AppendBatch(ctx, recs)
}

func testRecord(suffix string) Record {
	return Record{
		NotificationID: "n-" + suffix,
		SubscriptionID: "s-" + suffix,
		EventID:        "e-" + suffix,
		Outcome:        OutcomeMatched,
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	repo := NewMemoryRepo()
	trail := NewTrail(repo, 16, time.Second, nil, nil)
	now := time.Unix(1700000000, 0).UTC()
	trail.clock = func() time.Time { return now }

	trail.Record(testRecord("1"))
	if err := trail.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	recs := repo.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID == "" {
		t.Fatalf("expected generated id")
	}
	if !recs[0].Timestamp.Equal(now) {
		t.Fatalf("expected clock timestamp, got %v", recs[0].Timestamp)
	}
}

func TestSinkOutageNeverFailsRecord(t *testing.T) {
	repo := &failingRepo{fail: true}
	trail := NewTrail(repo, 16, time.Second, nil, nil)

	trail.Record(testRecord("1"))
	trail.Record(testRecord("2"))

	if err := trail.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error while sink is down")
	}
	if !trail.Degraded() {
		t.Fatalf("expected degraded signal after failed flush")
	}
	// records stay buffered, nothing reached the repo
	if got := len(repo.Records()); got != 0 {
		t.Fatalf("expected 0 persisted records, got %d", got)
	}

	// sink recovers: buffered records flush in order, signal clears
	repo.fail = false
	if err := trail.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if trail.Degraded() {
		t.Fatalf("expected degraded signal to clear")
	}
	recs := repo.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(recs))
	}
	if recs[0].NotificationID != "n-1" || recs[1].NotificationID != "n-2" {
		t.Fatalf("expected original order, got %s, %s", recs[0].NotificationID, recs[1].NotificationID)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	repo := &failingRepo{fail: true}
	trail := NewTrail(repo, 2, time.Second, nil, nil)

	trail.Record(testRecord("1"))
	trail.Record(testRecord("2"))
	trail.Record(testRecord("3"))

	repo.fail = false
	if err := trail.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	recs := repo.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after overflow, got %d", len(recs))
	}
	if recs[0].NotificationID != "n-2" || recs[1].NotificationID != "n-3" {
		t.Fatalf("expected oldest dropped, got %s, %s", recs[0].NotificationID, recs[1].NotificationID)
	}
}

func TestQueryFiltersAndCursor(t *testing.T) {
	repo := NewMemoryRepo()
	trail := NewTrail(repo, 64, time.Second, nil, nil)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 5; i++ {
		trail.Record(Record{
			ID:             string(rune('a' + i)),
			NotificationID: "n-1",
			SubscriptionID: "s-1",
			EventID:        "e-1",
			Outcome:        OutcomeRetryScheduled,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}
	trail.Record(Record{
		ID: "z", NotificationID: "n-2", SubscriptionID: "s-2", EventID: "e-2",
		Outcome: OutcomeMatched, Timestamp: base,
	})
	if err := trail.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	page, err := trail.Query(context.Background(), Query{SubscriptionID: "s-1", Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(page.Records))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected a next cursor")
	}
	for i := 1; i < len(page.Records); i++ {
		if page.Records[i].Timestamp.Before(page.Records[i-1].Timestamp) {
			t.Fatalf("expected ascending timestamps")
		}
	}

	rest, err := trail.Query(context.Background(), Query{SubscriptionID: "s-1", Limit: 3, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("query rest: %v", err)
	}
	if len(rest.Records) != 2 {
		t.Fatalf("expected 2 remaining records, got %d", len(rest.Records))
	}
	if rest.Records[0].ID != "d" {
		t.Fatalf("expected cursor to resume at d, got %s", rest.Records[0].ID)
	}
}

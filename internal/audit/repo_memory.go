package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests and
// single-node use.
type MemoryRepo struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) AppendBatch(ctx context.Context, recs []Record) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, recs...)
	return nil
}

func (r *MemoryRepo) Query(ctx context.Context, q Query) (Page, error) {
	_ = ctx
	curTS, curID, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	all := make([]Record, len(r.recs))
	copy(all, r.recs)
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID < all[j].ID
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	var page Page
	for _, rec := range all {
		if q.SubscriptionID != "" && rec.SubscriptionID != q.SubscriptionID {
			continue
		}
		if q.EventID != "" && rec.EventID != q.EventID {
			continue
		}
		if !q.From.IsZero() && rec.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.Timestamp.After(q.To) {
			continue
		}
		if q.Cursor != "" {
			// keyset: strictly after the cursor position
			if rec.Timestamp.Before(curTS) {
				continue
			}
			if rec.Timestamp.Equal(curTS) && rec.ID <= curID {
				continue
			}
		}
		page.Records = append(page.Records, rec)
		if len(page.Records) == limit {
			page.NextCursor = encodeCursor(rec)
			break
		}
	}
	return page, nil
}

// Records returns everything appended so far, unfiltered, for test
// assertions.
func (r *MemoryRepo) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

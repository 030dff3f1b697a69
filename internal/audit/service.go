package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/metrics"

	"github.com/google/uuid"
)

// Repository is the persistence contract for the trail.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	AppendBatch(ctx context.Context, recs []Record) error
	Query(ctx context.Context, q Query) (Page, error)
}

// Recorder is the write side handed to the matcher and the dispatcher.
type Recorder interface {
	Record(rec Record)
}

// Trail buffers audit records in memory and flushes them to the repository
// from a background worker.
//
// Contract:
// - Record never fails and never blocks on the sink. Matching and delivery
//   must not stall because the audit store is down.
// - A failed flush keeps the records buffered and marks the trail degraded;
//   the degraded signal is exposed on /healthz and as a metric.
// - The buffer is bounded. At hard overflow the oldest records are dropped
//   and counted; that counter going up is an operational incident, not a
//   normal mode.
type Trail struct {
	repo          Repository
	log           *slog.Logger
	m             *metrics.Metrics
	clock         func() time.Time
	flushInterval time.Duration
	maxBuffer     int

	mu       sync.Mutex
	buf      []Record
	degraded bool
}

func NewTrail(repo Repository, bufferSize int, flushInterval time.Duration, log *slog.Logger, m *metrics.Metrics) *Trail {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trail{
		repo:          repo,
		log:           log,
		m:             m,
		clock:         time.Now,
		flushInterval: flushInterval,
		maxBuffer:     bufferSize,
	}
}

// Record buffers one audit record. Missing ID and Timestamp are filled in.
func (t *Trail) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.clock().UTC()
	}

	t.mu.Lock()
	t.buf = append(t.buf, rec)
	var dropped int
	if len(t.buf) > t.maxBuffer {
		dropped = len(t.buf) - t.maxBuffer
		t.buf = append(t.buf[:0], t.buf[dropped:]...)
	}
	depth := len(t.buf)
	t.mu.Unlock()

	t.m.SetAuditBufferDepth(depth)
	for i := 0; i < dropped; i++ {
		t.m.IncAuditDropped()
	}
	if dropped > 0 {
		t.log.Error("audit buffer overflow, oldest records dropped", "dropped", dropped)
	}
}

// Run flushes on a ticker until ctx is done, then makes one final attempt
// with a short grace period so a clean shutdown does not abandon records.
func (t *Trail) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Warn("audit flush failed, records retained", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.Flush(flushCtx); err != nil {
				t.log.Error("audit flush on shutdown failed", "error", err, "buffered", t.depth())
			}
			return ctx.Err()
		}
	}
}

// Flush writes the buffered records in one batch. On failure the records go
// back to the front of the buffer in their original order.
func (t *Trail) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.buf) == 0 {
		wasDegraded := t.degraded
		t.degraded = false
		t.mu.Unlock()
		if wasDegraded {
			t.m.SetAuditDegraded(false)
		}
		return nil
	}
	batch := t.buf
	t.buf = nil
	t.mu.Unlock()

	if err := t.repo.AppendBatch(ctx, batch); err != nil {
		t.mu.Lock()
		t.buf = append(batch, t.buf...)
		if len(t.buf) > t.maxBuffer {
			over := len(t.buf) - t.maxBuffer
			t.buf = append(t.buf[:0], t.buf[over:]...)
			for i := 0; i < over; i++ {
				t.m.IncAuditDropped()
			}
		}
		t.degraded = true
		depth := len(t.buf)
		t.mu.Unlock()

		t.m.SetAuditDegraded(true)
		t.m.SetAuditBufferDepth(depth)
		return fmt.Errorf("audit sink unavailable: %w", err)
	}

	t.mu.Lock()
	wasDegraded := t.degraded
	t.degraded = false
	depth := len(t.buf)
	t.mu.Unlock()

	t.m.SetAuditBufferDepth(depth)
	if wasDegraded {
		t.m.SetAuditDegraded(false)
		t.log.Info("audit sink recovered", "flushed", len(batch))
	}
	return nil
}

// Degraded reports whether the last flush attempt failed. Health endpoints
// surface this; it never blocks core flow.
func (t *Trail) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Trail) depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Query reads the durable trail for compliance review. Buffered records not
// yet flushed are not visible; reviewers read eventually-complete history.
func (t *Trail) Query(ctx context.Context, q Query) (Page, error) {
	if t.repo == nil {
		return Page{}, errors.New("audit: repository not configured")
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	return t.repo.Query(ctx, q)
}

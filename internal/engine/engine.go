package engine

import (
	"context"
	"log/slog"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/delivery"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/matcher"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"

	"golang.org/x/sync/errgroup"
)

// AuditFlusher is the background side of the audit trail.
type AuditFlusher interface {
	Run(ctx context.Context) error
}

// FeedSource is an optional upstream event source (the Kafka consumer).
type FeedSource interface {
	Run(ctx context.Context) error
}

// Engine runs the background half of the service: feed consumption, one
// matcher worker per intake shard, the delivery dispatcher, and the audit
// flusher, all under one cancellable group.
//
// Cancellation stops intake first (the feed consumer exits and stops
// committing), matcher workers drain nothing forcibly, and claimed rows
// whose worker died come back through the dispatcher's stale-claim sweep on
// the next start.
type Engine struct {
	Intake     *mutation.Intake
	Matcher    *matcher.Matcher
	Dispatcher *delivery.Dispatcher
	Audit      AuditFlusher
	Feed       FeedSource // nil when the HTTP feed is the only source
	Log        *slog.Logger
}

func (e *Engine) Run(ctx context.Context) error {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.Audit.Run(ctx) })

	for i := 0; i < e.Intake.Shards(); i++ {
		shard := e.Intake.Shard(i)
		g.Go(func() error { return e.Matcher.Run(ctx, shard) })
	}

	g.Go(func() error { return e.Dispatcher.Run(ctx) })

	if e.Feed != nil {
		g.Go(func() error { return e.Feed.Run(ctx) })
	}

	log.Info("engine started",
		"matcher_workers", e.Intake.Shards(),
		"feed_enabled", e.Feed != nil,
	)
	return g.Wait()
}

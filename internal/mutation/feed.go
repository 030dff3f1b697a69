package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// FeedConfig points the consumer at the upstream mutation topic. The feed
// keys messages by person reference, so one person's events sit on one
// partition in order.
type FeedConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// FeedConsumer pulls raw mutation events from Kafka and hands them to the
// intake.
//
// Offset discipline is the backpressure mechanism:
// - Accepted and Duplicate commit the offset.
// - Malformed commits too; a poison event must not wedge the partition,
//   rejection is its terminal outcome.
// - Any other failure leaves the offset uncommitted, so the broker redelivers
//   and the upstream effectively waits for us.
type FeedConsumer struct {
	reader *kafka.Reader
	intake *Intake
	log    *slog.Logger
}

func NewFeedConsumer(cfg FeedConfig, intake *Intake, log *slog.Logger) (*FeedConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("feed brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("feed topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("feed group id is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &FeedConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // explicit commits only
		}),
		intake: intake,
		log:    log,
	}, nil
}

// Run consumes until ctx is done.
func (f *FeedConsumer) Run(ctx context.Context) error {
	f.log.Info("mutation feed consumer started",
		"topic", f.reader.Config().Topic,
		"group_id", f.reader.Config().GroupID,
	)
	defer func() {
		if err := f.reader.Close(); err != nil {
			f.log.Warn("feed reader close failed", "error", err)
		}
	}()

	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("feed fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := f.handle(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Leave the offset uncommitted; the broker holds the event.
			f.log.Warn("feed event held for redelivery",
				"offset", msg.Offset, "partition", msg.Partition, "error", err)
			continue
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Intake already deduped the event id; redelivery after a failed
			// commit resolves as Duplicate.
			f.log.Warn("feed commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (f *FeedConsumer) handle(ctx context.Context, value []byte) error {
	var raw RawEvent
	if err := json.Unmarshal(value, &raw); err != nil {
		f.log.Warn("feed message is not valid json, dropped", "error", err)
		return nil // commit; undecodable forever
	}

	_, err := f.intake.Ingest(ctx, raw)
	if errors.Is(err, ErrMalformed) {
		return nil // already logged by intake; commit
	}
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

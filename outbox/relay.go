// Package outbox relays committed ledger events to the message broker.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"escrowflow/ledger"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error
}

type Relay struct {
	logger    *slog.Logger
	store     ledger.Outbox
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(logger *slog.Logger, store ledger.Outbox, publisher Publisher, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger, store: store, publisher: publisher, interval: interval, batchSize: batchSize}
}

// Run publishes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "outbox",
				"operation", "run_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats counts one relay pass.
type Stats struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// RunOnce publishes one batch. A message that fails to publish stays in the
// outbox with its attempt count bumped.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	msgs, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return stats, err
	}
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m.Topic, m.Payload, m.PartitionKey); err != nil {
			stats.Failed++
			if markErr := r.store.MarkFailed(ctx, m.ID, err.Error()); markErr != nil {
				r.logger.WarnContext(ctx, "outbox mark failed",
					"module", "outbox",
					"operation", "mark_failed",
					"outcome", "failure",
					"message_id", m.ID,
					"error", markErr,
				)
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, m.ID); err != nil {
			// published but unmarked; it will be sent again
			r.logger.WarnContext(ctx, "outbox mark published failed",
				"module", "outbox",
				"operation", "mark_published",
				"outcome", "failure",
				"message_id", m.ID,
				"error", err,
			)
		}
		stats.Published++
	}
	if stats.Published+stats.Failed > 0 {
		r.logger.InfoContext(ctx, "outbox batch relayed",
			"module", "outbox",
			"operation", "run_once",
			"outcome", "success",
			"published", stats.Published,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

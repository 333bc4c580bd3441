package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRelayInterval = 5 * time.Second
	relayBatchSize       = 50
	maxPublishAttempts   = 5
)

// Relay drains pending outbox rows to the broker on a fixed cadence. Delivery
// is at-least-once; consumers must tolerate duplicates.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	interval  time.Duration
}

// NewRelay wires a relay. A non-positive interval falls back to the default.
func NewRelay(store Store, publisher Publisher, logger *zap.Logger, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{store: store, publisher: publisher, logger: logger, interval: interval}
}

// Run blocks until ctx is canceled.
func (relay *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(relay.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			relay.drain(ctx)
		}
	}
}

func (relay *Relay) drain(ctx context.Context) {
	events, err := relay.store.ListPending(ctx, relayBatchSize)
	if err != nil {
		relay.logger.Error("outbox list pending", zap.Error(err))
		return
	}
	for _, event := range events {
		if err := relay.publisher.Publish(ctx, event); err != nil {
			relay.logger.Warn("outbox publish",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Int("attempts", event.Attempts),
				zap.Error(err))
			if event.Attempts+1 >= maxPublishAttempts {
				if markErr := relay.store.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
					relay.logger.Error("outbox mark failed", zap.String("event_id", event.ID), zap.Error(markErr))
				}
				continue
			}
			if markErr := relay.store.IncrementAttempt(ctx, event.ID, err.Error()); markErr != nil {
				relay.logger.Error("outbox increment attempt", zap.String("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}
		if err := relay.store.MarkPublished(ctx, event.ID); err != nil {
			relay.logger.Error("outbox mark published", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
}

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/msg"
)

// Publisher drains the result outbox to the reporting topic. Delivery is
// at-least-once; consumers key on correlation_id.
type Publisher struct {
	outbox    *Outbox
	producer  *msg.Producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates an outbox publisher
func NewPublisher(outbox *Outbox, producer *msg.Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
				// Retried on the next tick
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	events, err := p.outbox.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished results: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, event := range events {
		err := p.producer.ProduceJSON(ctx, msg.TopicOrderResults, event.CorrelationID,
			json.RawMessage(event.PayloadJSON))
		if err != nil {
			p.logger.Error("failed to produce result",
				zap.String("event_id", event.EventID),
				zap.String("correlation_id", event.CorrelationID),
				zap.Error(err),
			)
			// This one stays queued and is retried
			continue
		}

		if err := p.outbox.MarkPublished(ctx, event.EventID, now); err != nil {
			p.logger.Error("failed to mark result as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			// Worst case the result is republished; consumers dedupe on
			// correlation_id
			continue
		}

		published++
	}

	if published > 0 {
		p.logger.Info("published result batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return nil
}

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize   = 50
	defaultOutboxPoll        = 1200 * time.Millisecond
	defaultOutboxStaleClaims = 2 * time.Minute
)

// PublisherFactory opens a publisher on demand so the dispatcher can recover
// from a dropped broker connection.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher publishes events written by ledger transactions.
type OutboxDispatcher struct {
	repo                store.Repository
	newPublisher        PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, newPublisher PublisherFactory) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		newPublisher:        newPublisher,
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        defaultOutboxPoll,
		staleProcessingTime: defaultOutboxStaleClaims,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

// FlushOnce publishes one batch and returns how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed\" outbox_id=%d routing_key=%s attempt=%d retry_after=%d err=%v", message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"failed to mark published\" outbox_id=%d err=%v", message.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

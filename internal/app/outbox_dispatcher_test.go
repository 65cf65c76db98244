package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/pkg/rabbitmq"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       json.RawMessage
}

type fakePublisher struct {
	published []publishedEvent
	err       error
	closed    bool
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	raw, _ := body.(json.RawMessage)
	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: raw})
	return nil
}

func (p *fakePublisher) Close() { p.closed = true }

func seedEarnEvent(t *testing.T) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, "transfa.events")
	if _, err := l.Earn(context.Background(), ledger.EarnParams{UserID: "user-1", Signature: "sig-1", GrossAmount: 100, Tier: domain.TierDirect}); err != nil {
		t.Fatalf("earn: %v", err)
	}
	return repo
}

func TestOutboxDispatcherPublishesPendingEvents(t *testing.T) {
	repo := seedEarnEvent(t)
	publisher := &fakePublisher{}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return publisher, nil })

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 1 || len(publisher.published) != 1 {
		t.Fatalf("expected one published event, got %d", published)
	}
	event := publisher.published[0]
	if event.exchange != "transfa.events" || event.routingKey != domain.RoutingKeyCreditEarned {
		t.Fatalf("unexpected destination %s/%s", event.exchange, event.routingKey)
	}
	var body domain.CreditEarnedEvent
	if err := json.Unmarshal(event.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Amount != 100 || body.UserID != "user-1" {
		t.Fatalf("unexpected body %+v", body)
	}

	published, err = dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected nothing left to publish, got %d", published)
	}
}

func TestOutboxDispatcherReopensPublisherAfterFailure(t *testing.T) {
	repo := seedEarnEvent(t)
	broken := &fakePublisher{err: errors.New("channel closed")}
	opened := 0
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		opened++
		return broken, nil
	})

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected failed publish, got %d", published)
	}
	if !broken.closed {
		t.Fatalf("expected broken publisher to be closed")
	}
	if dispatcher.producer != nil {
		t.Fatalf("expected publisher to be dropped")
	}

	// The failed message is backed off, so the next flush finds nothing due.
	published, err = dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if published != 0 || opened != 1 {
		t.Fatalf("expected no retry yet, published=%d opened=%d", published, opened)
	}
}

func TestOutboxDispatcherSurvivesFactoryError(t *testing.T) {
	repo := seedEarnEvent(t)
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected nothing published, got %d", published)
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (r *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	r.acks++
	return nil
}

func (r *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	r.nacks++
	r.requeue = requeue
	return nil
}

func (r *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func delivery(ack amqp.Acknowledger, retries interface{}) amqp.Delivery {
	headers := amqp.Table{}
	if retries != nil {
		headers[retryHeader] = retries
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, RoutingKey: "payment.submitted", Headers: headers, Body: []byte(`{}`)}
}

func TestSettleOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		outcome       Outcome
		retries       interface{}
		maxRetries    int
		republishErr  error
		wantAcks      int
		wantNacks     int
		wantRequeue   bool
		wantRepublish int32
	}{
		{name: "ack", outcome: Ack, wantAcks: 1},
		{name: "dead letter", outcome: DeadLetter, wantNacks: 1},
		{name: "first retry republishes", outcome: Retry, maxRetries: 3, wantAcks: 1, wantRepublish: 1},
		{name: "retry count carried", outcome: Retry, retries: int32(2), maxRetries: 3, wantAcks: 1, wantRepublish: 3},
		{name: "int64 header", outcome: Retry, retries: int64(1), maxRetries: 3, wantAcks: 1, wantRepublish: 2},
		{name: "retries exhausted", outcome: Retry, retries: int32(3), maxRetries: 3, wantNacks: 1},
		{name: "unbounded retries", outcome: Retry, retries: int32(50), wantAcks: 1, wantRepublish: 51},
		{name: "republish failure requeues", outcome: Retry, maxRetries: 3, republishErr: errors.New("channel closed"), wantNacks: 1, wantRequeue: true, wantRepublish: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAcknowledger{}
			var republished int32
			republish := func(_ context.Context, d amqp.Delivery, retries int32) error {
				republished = retries
				return tt.republishErr
			}

			settle(context.Background(), delivery(ack, tt.retries), tt.outcome, tt.maxRetries, republish)

			if ack.acks != tt.wantAcks || ack.nacks != tt.wantNacks {
				t.Fatalf("expected acks=%d nacks=%d, got acks=%d nacks=%d", tt.wantAcks, tt.wantNacks, ack.acks, ack.nacks)
			}
			if ack.nacks > 0 && ack.requeue != tt.wantRequeue {
				t.Fatalf("expected requeue=%v, got %v", tt.wantRequeue, ack.requeue)
			}
			if republished != tt.wantRepublish {
				t.Fatalf("expected republish with retries=%d, got %d", tt.wantRepublish, republished)
			}
		})
	}
}

func TestRunHandlerAppliesTimeout(t *testing.T) {
	sub := Subscription{Handler: func(ctx context.Context, body []byte) Outcome {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected handler context to carry a deadline")
		}
		return DeadLetter
	}}
	if got := runHandler(context.Background(), sub, nil); got != DeadLetter {
		t.Fatalf("expected handler outcome to pass through, got %s", got)
	}
}

func TestSubscriptionDeadLetterQueue(t *testing.T) {
	sub := Subscription{Queue: "gas-sponsor-service.payment-submitted"}
	if got := sub.DeadLetterQueue(); got != "gas-sponsor-service.payment-submitted.dead-letter" {
		t.Fatalf("unexpected dead-letter queue %q", got)
	}
}

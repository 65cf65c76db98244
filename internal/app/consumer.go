package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/pkg/rabbitmq"
)

const (
	// paymentEventTimeout covers the verifier's full retry window plus storage.
	paymentEventTimeout = 45 * time.Second
	// Verification blocks on the chain; keep only a few events in flight.
	paymentEventPrefetch   = 4
	paymentEventMaxRetries = 5
)

// PaymentEarner is the slice of CreditService the payment consumer drives.
type PaymentEarner interface {
	EarnCreditFromPayment(ctx context.Context, userID, signature, wallet string) (*domain.Payment, error)
}

// PaymentSubmittedConsumer credits payments announced on the event bus by
// wallet services, the same way the HTTP endpoint does.
type PaymentSubmittedConsumer struct {
	earner PaymentEarner
}

func NewPaymentSubmittedConsumer(earner PaymentEarner) *PaymentSubmittedConsumer {
	return &PaymentSubmittedConsumer{earner: earner}
}

// Subscription binds the payment.submitted events on exchange to queue.
// Events that keep failing land on the queue's dead-letter queue.
func (c *PaymentSubmittedConsumer) Subscription(exchange, queue string) rabbitmq.Subscription {
	return rabbitmq.Subscription{
		Exchange:       exchange,
		Queue:          queue,
		RoutingKeys:    []string{domain.RoutingKeyPaymentSubmitted},
		Handler:        c.HandleMessage,
		Prefetch:       paymentEventPrefetch,
		MaxRetries:     paymentEventMaxRetries,
		HandlerTimeout: paymentEventTimeout,
	}
}

// HandleMessage credits one payment.submitted event. Unreadable events are
// dead-lettered, domain outcomes are acked and infrastructure errors retried.
func (c *PaymentSubmittedConsumer) HandleMessage(ctx context.Context, body []byte) rabbitmq.Outcome {
	var event domain.PaymentSubmittedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return rabbitmq.DeadLetter
	}
	event.UserID = strings.TrimSpace(event.UserID)
	event.Signature = strings.TrimSpace(event.Signature)
	if event.UserID == "" || event.Signature == "" {
		log.Printf("level=warn component=payment_consumer msg=\"missing user or signature\" event=%+v", event)
		return rabbitmq.DeadLetter
	}

	payment, err := c.earner.EarnCreditFromPayment(ctx, event.UserID, event.Signature, event.Wallet)
	switch {
	case err == nil:
		log.Printf("level=info component=payment_consumer msg=\"payment credited\" user_id=%s signature=%s amount=%d", event.UserID, event.Signature, payment.GrossAmount)
		return rabbitmq.Ack
	case errors.Is(err, domain.ErrDuplicatePayment),
		errors.Is(err, domain.ErrVerificationTimeout),
		errors.Is(err, domain.ErrPaymentMismatch),
		errors.Is(err, domain.ErrPaymentSenderMismatch),
		errors.Is(err, domain.ErrPaymentClosed),
		errors.Is(err, domain.ErrPaymentOwnerMismatch),
		errors.Is(err, domain.ErrInvalidTransaction):
		// Settled, queued for durable retry, or never creditable.
		log.Printf("level=info component=payment_consumer msg=\"payment event handled\" user_id=%s signature=%s outcome=%q", event.UserID, event.Signature, err)
		return rabbitmq.Ack
	default:
		log.Printf("level=error component=payment_consumer msg=\"processing error; retrying\" user_id=%s signature=%s err=%v", event.UserID, event.Signature, err)
		return rabbitmq.Retry
	}
}

package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// Retry sends the delivery round again, up to the subscription's MaxRetries.
	Retry
	// DeadLetter parks the delivery on the subscription's dead-letter queue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler processes one delivery body.
type Handler func(ctx context.Context, body []byte) Outcome

// Subscription is one durable queue bound to a topic exchange and drained by
// a single handler.
type Subscription struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	Handler     Handler

	// Prefetch bounds unacked deliveries on the channel.
	Prefetch int
	// MaxRetries dead-letters a delivery once it has been retried this many
	// times. Zero retries forever.
	MaxRetries int
	// HandlerTimeout bounds each handler call.
	HandlerTimeout time.Duration
}

// DeadLetterQueue names the queue rejected deliveries end up on.
func (s Subscription) DeadLetterQueue() string {
	return s.Queue + ".dead-letter"
}

const (
	retryHeader           = "x-gas-sponsor-retries"
	defaultHandlerTimeout = 30 * time.Second
)

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// Subscribe declares the subscription's topology and starts delivering to its
// handler in the background until ctx is cancelled or the channel closes.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) error {
	if sub.Handler == nil || len(sub.RoutingKeys) == 0 {
		return fmt.Errorf("subscription %q needs a handler and at least one routing key", sub.Queue)
	}
	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.Exchange, err)
	}
	if _, err := c.ch.QueueDeclare(sub.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": sub.DeadLetterQueue(),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for _, key := range sub.RoutingKeys {
		if err := c.ch.QueueBind(q.Name, key, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, q.Name, err)
		}
	}

	tag := q.Name + ".worker"
	msgs, err := c.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = c.ch.Cancel(tag, false)
	}()
	go func() {
		republish := c.republisher(q.Name)
		for d := range msgs {
			outcome := runHandler(ctx, sub, d.Body)
			settle(ctx, d, outcome, sub.MaxRetries, republish)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	log.Printf("level=info component=rabbitmq_consumer msg=\"subscribed\" queue=%s routing_keys=%v prefetch=%d max_retries=%d", q.Name, sub.RoutingKeys, prefetch, sub.MaxRetries)
	return nil
}

func runHandler(ctx context.Context, sub Subscription, body []byte) Outcome {
	timeout := sub.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sub.Handler(handlerCtx, body)
}

type republishFunc func(ctx context.Context, d amqp.Delivery, retries int32) error

// republisher re-enqueues a delivery at the tail of queue with its retry
// count bumped. Classic queues do not count redeliveries themselves.
func (c *Consumer) republisher(queue string) republishFunc {
	return func(ctx context.Context, d amqp.Delivery, retries int32) error {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[retryHeader] = retries
		return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    d.Timestamp,
			Type:         d.Type,
			Body:         d.Body,
		})
	}
}

// settle applies outcome to d. A retry that cannot be republished falls back
// to a broker requeue so the delivery is never lost.
func settle(ctx context.Context, d amqp.Delivery, outcome Outcome, maxRetries int, republish republishFunc) {
	switch outcome {
	case Ack:
		if err := d.Ack(false); err != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"ack failed\" routing_key=%s err=%v", d.RoutingKey, err)
		}
		return
	case DeadLetter:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"dead-lettering delivery\" routing_key=%s", d.RoutingKey)
		_ = d.Nack(false, false)
		return
	}

	retries := retryCount(d.Headers) + 1
	if maxRetries > 0 && int(retries) > maxRetries {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"retries exhausted; dead-lettering\" routing_key=%s retries=%d", d.RoutingKey, retries-1)
		_ = d.Nack(false, false)
		return
	}
	if err := republish(ctx, d, retries); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"republish failed; requeuing\" routing_key=%s err=%v", d.RoutingKey, err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(headers amqp.Table) int32 {
	switch v := headers[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

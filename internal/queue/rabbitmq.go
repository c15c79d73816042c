package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"call-insights-go/internal/types"
)

const retryHeader = "x-retry-count"

// Broker owns one AMQP connection shared by every queue.
type Broker struct {
	conn *amqp.Connection
}

func DialRabbitMQ(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &Broker{conn: conn}, nil
}

func (b *Broker) Close() error {
	return b.conn.Close()
}

type RabbitOptions struct {
	MaxDeliveries int
	PollWait      time.Duration
	Prefetch      int
}

// RabbitMQ is a durable queue with a paired dead-letter queue. Redelivery
// republishes the body with an incremented x-retry-count header.
type RabbitMQ struct {
	name string
	opts RabbitOptions

	ch      *amqp.Channel
	pub     func(ctx context.Context, body []byte, headers amqp.Table) error
	pubMu   sync.Mutex
	consume sync.Once
	msgs    <-chan amqp.Delivery
	consErr error
}

func (b *Broker) Queue(name string, opts RabbitOptions) (*RabbitMQ, error) {
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 1
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 20 * time.Second
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterName(name), true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare %s: %w", DeadLetterName(name), err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterName(name),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare %s: %w", name, err)
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	q := &RabbitMQ{name: name, opts: opts, ch: ch}
	q.pub = q.publish
	return q, nil
}

func (r *RabbitMQ) Name() string { return r.name }

func (r *RabbitMQ) Enqueue(ctx context.Context, item types.WorkItem) error {
	body, err := types.MarshalWorkItem(item)
	if err != nil {
		return err
	}
	return r.pub(ctx, body, nil)
}

func (r *RabbitMQ) publish(ctx context.Context, body []byte, headers amqp.Table) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	err := r.ch.PublishWithContext(ctx, "", r.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", types.ErrUnavailable, r.name, err)
	}
	return nil
}

func (r *RabbitMQ) Receive(ctx context.Context) (*Delivery, error) {
	r.consume.Do(func() {
		r.msgs, r.consErr = r.ch.Consume(r.name, "", false, false, false, false, nil)
	})
	if r.consErr != nil {
		return nil, fmt.Errorf("%w: consume %s: %v", types.ErrUnavailable, r.name, r.consErr)
	}

	timer := time.NewTimer(r.opts.PollWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNoMessage
	case msg, ok := <-r.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return decode(msg.Body, retryCount(msg.Headers)+1, msg), nil
	}
}

func (r *RabbitMQ) delivery(d *Delivery) (amqp.Delivery, error) {
	msg, ok := d.handle.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("queue %s: delivery from another queue", r.name)
	}
	return msg, nil
}

func (r *RabbitMQ) Ack(ctx context.Context, d *Delivery) error {
	msg, err := r.delivery(d)
	if err != nil {
		return err
	}
	return msg.Ack(false)
}

func (r *RabbitMQ) Nack(ctx context.Context, d *Delivery) error {
	msg, err := r.delivery(d)
	if err != nil {
		return err
	}
	if d.Attempt >= r.opts.MaxDeliveries {
		return msg.Nack(false, false)
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(d.Attempt)
	if err := r.pub(ctx, msg.Body, headers); err != nil {
		// The broker keeps the original and redelivers it with the same
		// retry count; it only reaches the dead-letter queue via the limit.
		return errors.Join(err, msg.Nack(false, true))
	}
	return msg.Ack(false)
}

func (r *RabbitMQ) DeadLetter(ctx context.Context, d *Delivery) error {
	msg, err := r.delivery(d)
	if err != nil {
		return err
	}
	return msg.Nack(false, false)
}

func (r *RabbitMQ) Close() error {
	return r.ch.Close()
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

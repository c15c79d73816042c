// Package queue carries work items between pipeline stages with
// at-least-once delivery and a dead-letter path.
package queue

import (
	"context"
	"errors"

	"call-insights-go/internal/types"
)

// ErrNoMessage is returned by Receive when the poll wait elapses empty.
var ErrNoMessage = errors.New("queue: no message")

var ErrClosed = errors.New("queue: closed")

// Delivery is one received message. Item is nil when the body could not be
// decoded; DecodeErr then says why.
type Delivery struct {
	Item      types.WorkItem
	Attempt   int
	Body      []byte
	DecodeErr error

	handle any
}

type Queue interface {
	Name() string
	Enqueue(ctx context.Context, item types.WorkItem) error
	// Receive long-polls for the next delivery.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules a redelivery, or dead-letters the message once it has
	// been delivered MaxDeliveries times.
	Nack(ctx context.Context, d *Delivery) error
	// DeadLetter moves the message straight to the dead-letter path.
	DeadLetter(ctx context.Context, d *Delivery) error
	Close() error
}

// DeadLetterName is the dead-letter queue paired with name.
func DeadLetterName(name string) string { return name + ".dlq" }

func decode(body []byte, attempt int, handle any) *Delivery {
	d := &Delivery{Body: body, Attempt: attempt, handle: handle}
	item, err := types.UnmarshalWorkItem(body)
	if err != nil {
		d.DecodeErr = err
		return d
	}
	d.Item = item
	return d
}

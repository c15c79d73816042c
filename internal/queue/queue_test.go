package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-insights-go/internal/types"
)

func TestMemoryDeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("calls.transcription", 3, 50*time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, types.NewTranscriptionItem("call_1")))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.DecodeErr)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, types.StageTranscription, d.Item.Stage())
	assert.Equal(t, "call_1", d.Item.Meta().CallID)

	require.NoError(t, q.Ack(ctx, d))
	assert.Error(t, q.Ack(ctx, d), "double ack")

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemoryNackRedeliversThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("calls.embedding", 3, 50*time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, types.NewEmbeddingItem("call_2")))

	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, d.Attempt)
		require.NoError(t, q.Nack(ctx, d))
	}

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	item, err := types.UnmarshalWorkItem(dead[0])
	require.NoError(t, err)
	assert.Equal(t, "call_2", item.Meta().CallID)
}

func TestMemoryUndecodableBody(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("calls.embedding", 3, 50*time.Millisecond)
	require.NoError(t, q.EnqueueRaw([]byte(`{"stage":"analysis","call_id":"x"}`)))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d.Item)
	assert.ErrorIs(t, d.DecodeErr, types.ErrInvalidInput)
	require.NoError(t, q.DeadLetter(ctx, d))
	assert.Len(t, q.DeadLetters(), 1)
}

func TestMemoryReceiveWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("calls.transcription", 1, 2*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(ctx, types.NewTranscriptionItem("late"))
	}()

	start := time.Now()
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", d.Item.Meta().CallID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryReceiveHonorsContextAndClose(t *testing.T) {
	q := NewMemory("calls.transcription", 1, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), types.NewTranscriptionItem("x")), ErrClosed)
}

func TestRetryCountHeader(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 4, retryCount(amqp.Table{retryHeader: int64(4)}))
	assert.Equal(t, "calls.embedding.dlq", DeadLetterName("calls.embedding"))
}

type ackRecorder struct {
	acks     int
	requeued []bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.requeued = append(a.requeued, requeue)
	return nil
}
func (a *ackRecorder) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func rabbitDelivery(t *testing.T, attempt int, ack amqp.Acknowledger) *Delivery {
	t.Helper()
	body, err := types.MarshalWorkItem(types.NewEmbeddingItem("call_1"))
	require.NoError(t, err)
	msg := amqp.Delivery{Acknowledger: ack, Body: body, Headers: amqp.Table{retryHeader: int32(attempt - 1)}}
	return decode(body, attempt, msg)
}

func TestRabbitNackRepublishesWithRetryCount(t *testing.T) {
	var headers amqp.Table
	q := &RabbitMQ{name: "calls.embedding", opts: RabbitOptions{MaxDeliveries: 3}}
	q.pub = func(ctx context.Context, body []byte, h amqp.Table) error {
		headers = h
		return nil
	}
	ack := &ackRecorder{}

	require.NoError(t, q.Nack(context.Background(), rabbitDelivery(t, 1, ack)))
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.requeued)
	assert.Equal(t, 1, retryCount(headers))
}

func TestRabbitNackRequeuesWhenRepublishFails(t *testing.T) {
	q := &RabbitMQ{name: "calls.embedding", opts: RabbitOptions{MaxDeliveries: 3}}
	q.pub = func(ctx context.Context, body []byte, h amqp.Table) error {
		return fmt.Errorf("%w: channel closed", types.ErrUnavailable)
	}
	ack := &ackRecorder{}

	err := q.Nack(context.Background(), rabbitDelivery(t, 2, ack))
	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.Zero(t, ack.acks)
	assert.Equal(t, []bool{true}, ack.requeued, "message goes back to the queue, not the dead-letter queue")
}

func TestRabbitNackDeadLettersAtLimit(t *testing.T) {
	q := &RabbitMQ{name: "calls.embedding", opts: RabbitOptions{MaxDeliveries: 3}}
	q.pub = func(ctx context.Context, body []byte, h amqp.Table) error {
		return errors.New("must not republish")
	}
	ack := &ackRecorder{}

	require.NoError(t, q.Nack(context.Background(), rabbitDelivery(t, 3, ack)))
	assert.Equal(t, []bool{false}, ack.requeued)
}

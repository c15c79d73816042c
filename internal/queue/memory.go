package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"call-insights-go/internal/types"
)

type memMsg struct {
	body    []byte
	attempt int
}

// Memory is an in-process queue for local runs and tests.
type Memory struct {
	name          string
	maxDeliveries int
	pollWait      time.Duration

	mu       sync.Mutex
	pending  []memMsg
	inflight map[*Delivery]memMsg
	dead     [][]byte
	closed   bool
	signal   chan struct{}
}

func NewMemory(name string, maxDeliveries int, pollWait time.Duration) *Memory {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	if pollWait <= 0 {
		pollWait = time.Second
	}
	return &Memory{
		name:          name,
		maxDeliveries: maxDeliveries,
		pollWait:      pollWait,
		inflight:      map[*Delivery]memMsg{},
		signal:        make(chan struct{}, 1),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Enqueue(ctx context.Context, item types.WorkItem) error {
	body, err := types.MarshalWorkItem(item)
	if err != nil {
		return err
	}
	return m.push(memMsg{body: body, attempt: 1})
}

// EnqueueRaw queues an already encoded body.
func (m *Memory) EnqueueRaw(body []byte) error {
	return m.push(memMsg{body: append([]byte(nil), body...), attempt: 1})
}

func (m *Memory) push(msg memMsg) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, msg)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(m.pollWait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.pending) > 0 {
			msg := m.pending[0]
			m.pending = m.pending[1:]
			d := decode(msg.body, msg.attempt, nil)
			m.inflight[d] = msg
			more := len(m.pending) > 0
			m.mu.Unlock()
			if more {
				m.wake()
			}
			return d, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoMessage
		case <-m.signal:
		}
	}
}

func (m *Memory) take(d *Delivery) (memMsg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inflight[d]
	if !ok {
		return memMsg{}, fmt.Errorf("queue %s: delivery already settled", m.name)
	}
	delete(m.inflight, d)
	return msg, nil
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	_, err := m.take(d)
	return err
}

func (m *Memory) Nack(ctx context.Context, d *Delivery) error {
	msg, err := m.take(d)
	if err != nil {
		return err
	}
	if msg.attempt >= m.maxDeliveries {
		m.mu.Lock()
		m.dead = append(m.dead, msg.body)
		m.mu.Unlock()
		return nil
	}
	msg.attempt++
	return m.push(msg)
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery) error {
	msg, err := m.take(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.dead = append(m.dead, msg.body)
	m.mu.Unlock()
	return nil
}

// DeadLetters returns the bodies moved to the dead-letter path.
func (m *Memory) DeadLetters() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.dead))
	copy(out, m.dead)
	return out
}

// Len is the number of messages waiting for delivery.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

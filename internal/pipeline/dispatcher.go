package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"call-insights-go/internal/chunker"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/processor"
	"call-insights-go/internal/queue"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/types"
)

type TranscriptionRunner interface {
	Process(ctx context.Context, callID string) (processor.Outcome, error)
}

type EmbeddingRunner interface {
	ProcessWith(ctx context.Context, callID string, strategy chunker.Strategy) (processor.Outcome, error)
}

// Handlers holds the stage workers. A dispatcher only needs the one its
// queue carries; items for a missing handler fail and are dropped.
type Handlers struct {
	Transcription TranscriptionRunner
	Embedding     EmbeddingRunner
}

type DispatcherConfig struct {
	Concurrency   int
	MaxDeliveries int
	// ReceiveRetry bounds how long a worker keeps polling through
	// consecutive receive errors before the dispatcher gives up.
	ReceiveRetry time.Duration
}

const DefaultReceiveRetry = 2 * time.Minute

// Dispatcher runs a fixed pool of goroutines that each receive, process
// and settle one delivery at a time.
type Dispatcher struct {
	q        queue.Queue
	handlers Handlers
	machine  *statemachine.Machine
	cfg      DispatcherConfig
	log      *logger.Logger
}

func NewDispatcher(q queue.Queue, h Handlers, machine *statemachine.Machine, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ReceiveRetry <= 0 {
		cfg.ReceiveRetry = DefaultReceiveRetry
	}
	if log == nil {
		log = logger.New()
	}
	return &Dispatcher{
		q:        q,
		handlers: h,
		machine:  machine,
		cfg:      cfg,
		log:      &logger.Logger{Entry: log.Component("dispatcher").WithField("queue", q.Name())},
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight work to
// settle. It returns an error when the queue closes underneath it or keeps
// failing to receive for longer than ReceiveRetry.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.WithField("workers", d.cfg.Concurrency).Info("dispatcher started")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := d.worker(ctx, workerID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		d.log.WithField("error", err.Error()).Error("dispatcher stopped")
		return err
	}
	d.log.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, workerID int) error {
	log := d.log.WithField("worker", workerID)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = d.cfg.ReceiveRetry
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		del, err := d.q.Receive(ctx)
		switch {
		case err == nil:
			b.Reset()
			d.handle(ctx, del)
			continue
		case errors.Is(err, queue.ErrNoMessage):
			b.Reset()
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, queue.ErrClosed):
			return fmt.Errorf("worker %d: %w", workerID, err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("worker %d: receive from %s: %w", workerID, d.q.Name(), err)
		}
		log.WithFields(logrus.Fields{"error": err.Error(), "retry_in": wait.String()}).Warn("receive failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, del *queue.Delivery) {
	settleCtx := context.WithoutCancel(ctx)

	if del.DecodeErr != nil {
		d.log.WithFields(logrus.Fields{
			"error":   del.DecodeErr.Error(),
			"attempt": del.Attempt,
		}).Error("undecodable work item, dead-lettering")
		d.settle(d.q.DeadLetter(settleCtx, del))
		return
	}

	item := del.Item
	log := d.log.WithCall(item.Meta().CallID, string(item.Stage())).WithField("attempt", del.Attempt)

	outcome, err := d.dispatch(ctx, item)
	switch outcome {
	case processor.Done, processor.Skipped:
		log.WithField("outcome", outcome).Debug("work item settled")
		d.settle(d.q.Ack(settleCtx, del))
	case processor.Failed:
		log.WithField("error", errString(err)).Error("work item failed")
		d.settle(d.q.Ack(settleCtx, del))
	default:
		// The last delivery records the failure on the call before the
		// queue moves the message to the dead-letter path.
		if del.Attempt >= d.cfg.MaxDeliveries && ctx.Err() == nil && d.machine != nil {
			cause := &types.RetryError{Attempts: del.Attempt, Err: err}
			if _, ferr := d.machine.Fail(settleCtx, item.Meta().CallID, item.Stage(), cause); ferr != nil {
				log.WithField("error", ferr.Error()).Error("failed to mark call failed")
			}
		}
		log.WithField("error", errString(err)).Warn("work item will be redelivered")
		d.settle(d.q.Nack(settleCtx, del))
	}
}

// dispatch matches every work item variant.
func (d *Dispatcher) dispatch(ctx context.Context, item types.WorkItem) (processor.Outcome, error) {
	switch it := item.(type) {
	case types.TranscriptionItem:
		if d.handlers.Transcription == nil {
			return processor.Failed, fmt.Errorf("%w: %s has no transcription worker", types.ErrInvalidInput, d.q.Name())
		}
		return d.handlers.Transcription.Process(ctx, it.CallID)
	case types.EmbeddingItem:
		if d.handlers.Embedding == nil {
			return processor.Failed, fmt.Errorf("%w: %s has no embedding worker", types.ErrInvalidInput, d.q.Name())
		}
		strategy, err := chunker.ParseStrategy(it.Strategy)
		if err != nil {
			return processor.Failed, err
		}
		return d.handlers.Embedding.ProcessWith(ctx, it.CallID, strategy)
	default:
		return processor.Failed, fmt.Errorf("%w: unhandled work item %T", types.ErrInvalidInput, item)
	}
}

func (d *Dispatcher) settle(err error) {
	if err != nil {
		d.log.WithField("error", err.Error()).Error("failed to settle delivery")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

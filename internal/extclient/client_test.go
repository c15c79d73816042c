package extclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

func newTestClient(opts Options) *Client {
	if opts.RPS == 0 {
		opts.RPS = 1000
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	opts.Log = logger.Nop()
	return New("test", opts)
}

func TestRetriesRateLimitedThenSucceeds(t *testing.T) {
	var delays []time.Duration
	c := newTestClient(Options{
		MaxRetries: 3,
		Notify: func(err error, d time.Duration) {
			assert.ErrorIs(t, err, types.ErrRateLimited)
			delays = append(delays, d)
		},
	})

	calls := 0
	got, err := Invoke(context.Background(), c, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", fmt.Errorf("%w: 429", types.ErrRateLimited)
		}
		return "vector", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "vector", got)
	assert.Equal(t, 4, calls)
	require.Len(t, delays, 3)
	assert.Less(t, delays[0], delays[1])
	assert.Less(t, delays[1], delays[2])
}

func TestInvalidInputIsNeverRetried(t *testing.T) {
	notified := false
	c := newTestClient(Options{MaxRetries: 3, Notify: func(error, time.Duration) { notified = true }})

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: bad audio", types.ErrInvalidInput)
	})

	require.ErrorIs(t, err, types.ErrInvalidInput)
	assert.NotErrorIs(t, err, types.ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
	assert.False(t, notified)
}

func TestExhaustedRetriesReturnRetryError(t *testing.T) {
	c := newTestClient(Options{MaxRetries: 3})

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: 503", types.ErrUnavailable)
	})

	require.ErrorIs(t, err, types.ErrMaxRetriesExceeded)
	require.ErrorIs(t, err, types.ErrUnavailable)
	var re *types.RetryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 4, re.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, types.RetryCount(err))
}

func TestDeadlineIsReportedAsUnavailable(t *testing.T) {
	c := newTestClient(Options{MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Do(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, types.ErrUnavailable)
}

func TestLimiterBlocksInsteadOfDropping(t *testing.T) {
	c := newTestClient(Options{RPS: 20, Burst: 1, MaxRetries: 0})

	var done int32
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), func(ctx context.Context) error {
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), done)
	// Five requests at 20 rps with a burst of one need about 200ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestQueueWaitCeilingIsRateLimited(t *testing.T) {
	c := newTestClient(Options{RPS: 0.01, Burst: 1, QueueWait: 10 * time.Millisecond, MaxRetries: 0})

	require.NoError(t, c.Do(context.Background(), func(ctx context.Context) error { return nil }))

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, 0, calls)
}

type countingLimiter struct {
	inner *rate.Limiter
	waits int32
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	atomic.AddInt32(&l.waits, 1)
	return l.inner.Wait(ctx)
}

func TestClientsShareInjectedLimiter(t *testing.T) {
	shared := &countingLimiter{inner: rate.NewLimiter(rate.Limit(0.01), 1)}
	a := newTestClient(Options{Limiter: shared, QueueWait: 10 * time.Millisecond})
	b := newTestClient(Options{Limiter: shared, QueueWait: 10 * time.Millisecond})

	require.NoError(t, a.Do(context.Background(), func(ctx context.Context) error { return nil }))
	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, types.ErrRateLimited, "the second client draws from the same bucket")
	assert.Equal(t, int32(2), atomic.LoadInt32(&shared.waits))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, Classify(errors.New("API returned unexpected status code: 429")), types.ErrRateLimited)
	assert.ErrorIs(t, Classify(errors.New("status code: 400 invalid input")), types.ErrInvalidInput)
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), types.ErrUnavailable)
	assert.ErrorIs(t, Classify(errors.New("eof")), types.ErrUnavailable)

	wrapped := fmt.Errorf("%w: already classified", types.ErrDimensionMismatch)
	assert.Equal(t, wrapped, Classify(wrapped))
	assert.NoError(t, Classify(nil))
}

// Package extclient wraps calls to external inference providers with a
// shared token-bucket limiter and bounded exponential retries.
package extclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

// Jitter bounds the randomization of each delay to +/-25%. With a
// multiplier of 2 the ranges of consecutive delays never overlap, so
// delays strictly increase.
const Jitter = 0.25

// Limiter hands out request tokens. *rate.Limiter is the in-process
// default; a limiter backed by shared storage can be plugged in so several
// worker processes draw from one provider quota.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Options struct {
	// Limiter replaces the in-process bucket built from RPS and Burst.
	Limiter    Limiter
	RPS        float64
	Burst      int
	QueueWait  time.Duration
	BaseDelay  time.Duration
	MaxRetries int
	Notify     func(err error, delay time.Duration)
	Log        *logger.Logger
}

// Client is safe for concurrent use; every caller shares one bucket.
type Client struct {
	name       string
	limiter    Limiter
	queueWait  time.Duration
	baseDelay  time.Duration
	maxRetries int
	notify     func(err error, delay time.Duration)
	log        *logrus.Entry
}

func New(name string, opts Options) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RPS)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = 30 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Log == nil {
		opts.Log = logger.New()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	}
	return &Client{
		name:       name,
		limiter:    opts.Limiter,
		queueWait:  opts.QueueWait,
		baseDelay:  opts.BaseDelay,
		maxRetries: opts.MaxRetries,
		notify:     opts.Notify,
		log:        opts.Log.WithField("client", name),
	}
}

func (c *Client) Name() string { return c.name }

// Do runs op under the limiter. RateLimited and Unavailable errors are
// retried with backoff; anything else is returned at once. When retries
// run out the result is a *types.RetryError.
func (c *Client) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		if err := c.wait(ctx); err != nil {
			lastErr = err
			return c.permanentUnlessRetryable(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = classifyContext(ctx, err)
		return c.permanentUnlessRetryable(lastErr)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.policy(), ctx), func(err error, d time.Duration) {
		c.log.WithFields(logrus.Fields{
			"attempt": attempts,
			"delay":   d.String(),
			"error":   err.Error(),
		}).Warn("retrying external call")
		if c.notify != nil {
			c.notify(err, d)
		}
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if ctx.Err() != nil && !types.Retryable(lastErr) {
		return fmt.Errorf("%w: %s: %v", types.ErrUnavailable, c.name, ctx.Err())
	}
	if types.Retryable(lastErr) {
		return &types.RetryError{Attempts: attempts, Err: lastErr}
	}
	return lastErr
}

// Invoke is Do for operations that produce a value.
func Invoke[T any](ctx context.Context, c *Client, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = Jitter
	b.MaxInterval = c.baseDelay << uint(c.maxRetries+1)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.maxRetries))
}

// wait blocks for a token, at most queueWait. Running out of queue time is
// reported as RateLimited so the caller backs off and tries again.
func (c *Client) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.queueWait)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrUnavailable, c.name, ctx.Err())
		}
		return fmt.Errorf("%w: %s: waited longer than %s for a token", types.ErrRateLimited, c.name, c.queueWait)
	}
	return nil
}

func (c *Client) permanentUnlessRetryable(err error) error {
	if types.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// classifyContext reports a blown deadline as Unavailable.
func classifyContext(ctx context.Context, err error) error {
	if types.Retryable(err) || errors.Is(err, types.ErrInvalidInput) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline exceeded: %v", types.ErrUnavailable, err)
	}
	return err
}

// Classify maps provider errors that only expose text (SDK clients that do
// not surface status codes) onto the error taxonomy. Errors already carrying
// a sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{types.ErrInvalidInput, types.ErrRateLimited, types.ErrUnavailable, types.ErrDimensionMismatch, types.ErrNotFound} {
		if errors.Is(err, s) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "throttl"):
		return fmt.Errorf("%w: %v", types.ErrRateLimited, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "401") || strings.Contains(msg, "invalid") || strings.Contains(msg, "too long"):
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
}

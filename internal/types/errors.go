package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnavailable        = errors.New("service unavailable")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Retryable reports whether err is a transient provider condition.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// RetryError is returned once every retry attempt has failed.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrMaxRetriesExceeded, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

func (e *RetryError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// RetryCount extracts the number of retries behind err, zero when err was
// not produced by a retry loop.
func RetryCount(err error) int {
	var re *RetryError
	if errors.As(err, &re) && re.Attempts > 0 {
		return re.Attempts - 1
	}
	return 0
}

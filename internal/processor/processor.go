// Package processor runs the transcription and embedding stages for one
// call at a time. Workers are safe to run on redelivered work items: the
// call status decides whether a stage still has anything to do.
package processor

import (
	"context"
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/types"
)

// Outcome tells the dispatcher how to settle a delivery.
type Outcome int

const (
	// Done means the stage ran and its result is stored.
	Done Outcome = iota
	// Skipped means the call no longer needs this stage.
	Skipped
	// Failed means the error is terminal; redelivery would not help.
	Failed
	// Retry means a transient infrastructure error; redeliver later.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	}
	return "unknown"
}

// processing_metadata keys, one per stage.
const (
	MetaTranscription = "transcription"
	MetaEmbeddings    = "embeddings"
)

// Enqueuer is the part of a queue the transcription worker needs to hand
// a call to the next stage.
type Enqueuer interface {
	Enqueue(ctx context.Context, item types.WorkItem) error
}

// terminal reports whether err ends the stage for good. Exhausted retries
// and every non-retryable class are terminal; a stage budget that ran out
// is too, since it already went through the retry path.
func terminal(stageCtx context.Context, err error) bool {
	if errors.Is(err, types.ErrMaxRetriesExceeded) {
		return true
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	return !types.Retryable(err) && !errors.Is(err, types.ErrConflict)
}

// settle records a stage error. Shutdown and transient errors hand any
// claim back and ask for redelivery; terminal errors fail the call.
func settle(ctx, stageCtx context.Context, m *statemachine.Machine, log *logrus.Entry, callID string, stage types.Stage, claim *claim, err error) (Outcome, error) {
	if ctx.Err() != nil || !terminal(stageCtx, err) {
		if claim != nil {
			rctx := context.WithoutCancel(ctx)
			if rerr := m.Release(rctx, callID, claim.held, claim.back); rerr != nil {
				log.WithField("error", rerr.Error()).Error("failed to release claim")
			}
		}
		log.WithField("error", err.Error()).Warn("stage interrupted, will retry")
		return Retry, err
	}

	call, ferr := m.Fail(context.WithoutCancel(ctx), callID, stage, err)
	if ferr != nil {
		log.WithFields(logrus.Fields{"error": err.Error(), "fail_error": ferr.Error()}).Error("failed to record call failure")
		return Retry, ferr
	}
	if call.Status != types.StatusFailed {
		// Another delivery finished the stage while this one was running.
		return Skipped, nil
	}
	return Failed, err
}

// claim is a status a worker moved the call into to own the stage.
type claim struct {
	held types.Status
	back types.Status
}

func roundUSD(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Package statemachine guards call status transitions. Every transition is a
// conditional write on the expected prior status, so concurrent workers
// racing on one call apply a stage at most once.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/docstore"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

// CanTransition reports whether a call may move from one status to another.
// Status only moves forward; failed is reachable from any non-terminal
// status and is left only through Redrive.
func CanTransition(from, to types.Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == types.StatusFailed {
		return true
	}
	return to.Rank() > from.Rank()
}

// Reached reports whether current is at or past target in pipeline order.
func Reached(current, target types.Status) bool {
	return current != types.StatusFailed && current.Rank() >= target.Rank()
}

type Machine struct {
	store docstore.Store
	log   *logger.Logger
}

func New(store docstore.Store, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.New()
	}
	return &Machine{store: store, log: log.Component("statemachine")}
}

// Advance moves callID from `from` to `to`, merging u into the same write.
// If another writer got there first and the call has already reached `to`,
// Advance returns the stored call with advanced=false and no error.
func (m *Machine) Advance(ctx context.Context, callID string, from, to types.Status, u docstore.Update) (call *types.Call, advanced bool, err error) {
	if !CanTransition(from, to) {
		return nil, false, fmt.Errorf("%w: illegal transition %s -> %s", types.ErrInvalidInput, from, to)
	}
	u.ExpectStatus = from
	u.Status = to
	call, err = m.store.UpdateCall(ctx, callID, u)
	if err == nil {
		m.log.WithFields(logrus.Fields{"call_id": callID, "from": from, "to": to}).Debug("status advanced")
		return call, true, nil
	}
	if !errors.Is(err, types.ErrConflict) {
		return nil, false, err
	}
	cur, gerr := m.store.GetCall(ctx, callID)
	if gerr != nil {
		return nil, false, gerr
	}
	if Reached(cur.Status, to) {
		return cur, false, nil
	}
	return cur, false, err
}

// Release hands a claimed call back to the status it was claimed from so a
// redelivered work item can claim it again. It is the only backward move
// and only applies while the call still holds the claim.
func (m *Machine) Release(ctx context.Context, callID string, claimed, back types.Status) error {
	if claimed.Rank() != back.Rank()+1 {
		return fmt.Errorf("%w: cannot release %s to %s", types.ErrInvalidInput, claimed, back)
	}
	_, err := m.store.UpdateCall(ctx, callID, docstore.Update{ExpectStatus: claimed, Status: back})
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"call_id": callID, "from": claimed, "to": back}).Warn("claim released")
	return nil
}

const maxFailAttempts = 5

// StageTarget is the status a stage moves a call to when it succeeds.
func StageTarget(stage types.Stage) types.Status {
	switch stage {
	case types.StageTranscription:
		return types.StatusTranscribed
	case types.StageEmbedding:
		return types.StatusIndexed
	}
	return ""
}

// Fail records a terminal failure for stage. A call that is already
// terminal, or that another worker already carried past the stage, is left
// as is and returned unchanged.
func (m *Machine) Fail(ctx context.Context, callID string, stage types.Stage, cause error) (*types.Call, error) {
	target := StageTarget(stage)
	record := &types.CallError{
		Message:    cause.Error(),
		Stage:      string(stage),
		Timestamp:  time.Now().UTC(),
		RetryCount: types.RetryCount(cause),
	}
	for i := 0; i < maxFailAttempts; i++ {
		cur, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return cur, nil
		}
		if target != "" && Reached(cur.Status, target) {
			m.log.WithCall(callID, string(stage)).WithFields(logrus.Fields{
				"status": cur.Status,
				"error":  record.Message,
			}).Warn("stage already completed elsewhere, failure dropped")
			return cur, nil
		}
		call, err := m.store.UpdateCall(ctx, callID, docstore.Update{
			ExpectStatus: cur.Status,
			Status:       types.StatusFailed,
			Error:        record,
		})
		if err == nil {
			m.log.WithCall(callID, string(stage)).WithFields(logrus.Fields{
				"previous_status": cur.Status,
				"retry_count":     record.RetryCount,
				"error":           record.Message,
			}).Error("call failed")
			return call, nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: could not mark call %s failed", types.ErrConflict, callID)
}

// Redrive returns a failed call, or one stuck mid-transcription, to the
// precondition of the stage that needs to run again and reports that stage.
func (m *Machine) Redrive(ctx context.Context, callID string) (*types.Call, types.Stage, error) {
	cur, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return nil, "", err
	}

	var target types.Status
	var stage types.Stage
	switch {
	case cur.Status == types.StatusTranscribing:
		target, stage = types.StatusUploaded, types.StageTranscription
	case cur.Status != types.StatusFailed:
		return nil, "", fmt.Errorf("%w: call %s is %s; only failed or stalled calls can be redriven", types.ErrInvalidInput, callID, cur.Status)
	case cur.Transcript != nil && (cur.Error == nil || cur.Error.Stage != string(types.StageTranscription)):
		target, stage = types.StatusTranscribed, types.StageEmbedding
	default:
		target, stage = types.StatusUploaded, types.StageTranscription
	}

	call, err := m.store.UpdateCall(ctx, callID, docstore.Update{
		ExpectStatus: cur.Status,
		Status:       target,
		ClearError:   true,
	})
	if err != nil {
		return nil, "", err
	}
	m.log.WithCall(callID, string(stage)).WithField("status", target).Info("call redriven")
	return call, stage, nil
}

// Package pipeline connects the queues to the stage workers: Trigger puts
// calls onto a stage queue and Dispatcher drains a queue into a worker.
package pipeline

import (
	"context"
	"fmt"

	"call-insights-go/internal/docstore"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/processor"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/types"
)

type Trigger struct {
	store         docstore.Store
	machine       *statemachine.Machine
	transcription processor.Enqueuer
	embedding     processor.Enqueuer
	log           *logger.Logger
}

func NewTrigger(store docstore.Store, machine *statemachine.Machine, transcription, embedding processor.Enqueuer, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.New()
	}
	if machine == nil {
		machine = statemachine.New(store, log)
	}
	return &Trigger{
		store:         store,
		machine:       machine,
		transcription: transcription,
		embedding:     embedding,
		log:           log.Component("trigger"),
	}
}

// TriggerTranscription queues an uploaded call for transcription.
func (t *Trigger) TriggerTranscription(ctx context.Context, callID string) error {
	call, err := t.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status != types.StatusUploaded {
		return fmt.Errorf("%w: call %s is %s, transcription needs %s", types.ErrConflict, callID, call.Status, types.StatusUploaded)
	}
	return t.enqueue(ctx, t.transcription, types.NewTranscriptionItem(callID))
}

// TriggerEmbedding queues a transcribed call for chunking and indexing.
func (t *Trigger) TriggerEmbedding(ctx context.Context, callID string) error {
	call, err := t.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Transcript == nil {
		return fmt.Errorf("%w: call %s has no transcript", types.ErrInvalidInput, callID)
	}
	switch call.Status {
	case types.StatusTranscribed, types.StatusAnalyzing, types.StatusAnalyzed:
	default:
		return fmt.Errorf("%w: call %s is %s", types.ErrConflict, callID, call.Status)
	}
	return t.enqueue(ctx, t.embedding, types.NewEmbeddingItem(callID))
}

// Redrive resets a failed or stalled call to the start of the stage that
// has to run again and queues that stage.
func (t *Trigger) Redrive(ctx context.Context, callID string) (*types.Call, types.Stage, error) {
	call, stage, err := t.machine.Redrive(ctx, callID)
	if err != nil {
		return nil, "", err
	}
	var item types.WorkItem
	q := t.transcription
	switch stage {
	case types.StageEmbedding:
		item, q = types.NewEmbeddingItem(callID), t.embedding
	default:
		item = types.NewTranscriptionItem(callID)
	}
	if err := t.enqueue(ctx, q, item); err != nil {
		return call, stage, err
	}
	return call, stage, nil
}

func (t *Trigger) enqueue(ctx context.Context, q processor.Enqueuer, item types.WorkItem) error {
	if err := q.Enqueue(ctx, item); err != nil {
		t.log.WithCall(item.Meta().CallID, string(item.Stage())).WithField("error", err.Error()).Error("enqueue failed")
		return fmt.Errorf("%w: enqueue %s: %v", types.ErrUnavailable, item.Stage(), err)
	}
	t.log.WithCall(item.Meta().CallID, string(item.Stage())).Info("work item queued")
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"call-insights-go/internal/blobstore"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

// Upload is one audio submission.
type Upload struct {
	// CallID is optional; a random id is assigned when empty.
	CallID      string
	Filename    string
	ContentType string
	Audio       []byte
	CompanyName string
	CallType    string
}

// Intake stores uploaded audio, creates the call document and queues
// transcription.
type Intake struct {
	blobs   blobstore.Store
	store   docstore.Store
	trigger *Trigger
	log     *logger.Logger
	now     func() time.Time
}

func NewIntake(blobs blobstore.Store, store docstore.Store, trigger *Trigger, log *logger.Logger) *Intake {
	if log == nil {
		log = logger.New()
	}
	return &Intake{
		blobs:   blobs,
		store:   store,
		trigger: trigger,
		log:     log.Component("intake"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit returns the created call even when queueing fails; the call then
// stays uploaded and can be triggered again.
func (in *Intake) Submit(ctx context.Context, up Upload) (*types.Call, error) {
	if len(up.Audio) == 0 {
		return nil, fmt.Errorf("%w: audio file is empty", types.ErrInvalidInput)
	}
	callID := strings.TrimSpace(up.CallID)
	if callID == "" {
		callID = uuid.New().String()
	}
	if strings.ContainsAny(callID, "/\\") {
		return nil, fmt.Errorf("%w: call_id %q contains a path separator", types.ErrInvalidInput, callID)
	}
	if _, err := in.store.GetCall(ctx, callID); err == nil {
		return nil, fmt.Errorf("%w: call %s already exists", types.ErrConflict, callID)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	log := in.log.WithCall(callID, "upload")
	ref := blobstore.AudioRef(callID, up.Filename)
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := in.blobs.Put(ctx, ref, up.Audio, contentType); err != nil {
		log.WithField("error", err.Error()).Error("audio upload failed")
		return nil, fmt.Errorf("%w: store audio: %v", types.ErrUnavailable, err)
	}

	call := &types.Call{
		CallID:      callID,
		Status:      types.StatusUploaded,
		AudioRef:    ref,
		CompanyName: strings.TrimSpace(up.CompanyName),
		CallType:    strings.TrimSpace(up.CallType),
		UploadedAt:  in.now(),
	}
	if err := in.store.CreateCall(ctx, call); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil, err
		}
		_ = in.blobs.Delete(context.WithoutCancel(ctx), ref)
		return nil, err
	}
	log.WithField("bytes", len(up.Audio)).Info("call uploaded")

	if err := in.trigger.TriggerTranscription(ctx, callID); err != nil {
		return call, err
	}
	return call, nil
}

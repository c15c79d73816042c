package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/blobstore"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/extclient"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/metrics"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/transcription"
	"call-insights-go/internal/types"
)

const DefaultTranscriptionBudget = 15 * time.Minute

type TranscriptionDeps struct {
	Store       docstore.Store
	Blobs       blobstore.Store
	Machine     *statemachine.Machine
	Transcriber transcription.Transcriber
	Client      *extclient.Client
	Next        Enqueuer
	Metrics     *metrics.Collector
	Log         *logger.Logger

	// Budget caps the whole stage, download to stored transcript.
	Budget  time.Duration
	TempDir string
}

type TranscriptionWorker struct {
	store       docstore.Store
	blobs       blobstore.Store
	machine     *statemachine.Machine
	transcriber transcription.Transcriber
	client      *extclient.Client
	next        Enqueuer
	metrics     *metrics.Collector
	log         *logger.Logger
	budget      time.Duration
	tempDir     string
}

func NewTranscriptionWorker(d TranscriptionDeps) *TranscriptionWorker {
	if d.Log == nil {
		d.Log = logger.New()
	}
	if d.Budget <= 0 {
		d.Budget = DefaultTranscriptionBudget
	}
	if d.Machine == nil {
		d.Machine = statemachine.New(d.Store, d.Log)
	}
	return &TranscriptionWorker{
		store:       d.Store,
		blobs:       d.Blobs,
		machine:     d.Machine,
		transcriber: d.Transcriber,
		client:      d.Client,
		next:        d.Next,
		metrics:     d.Metrics,
		log:         d.Log.Component("transcription-worker"),
		budget:      d.Budget,
		tempDir:     d.TempDir,
	}
}

// Process transcribes one uploaded call and hands it to the embedding stage.
func (w *TranscriptionWorker) Process(ctx context.Context, callID string) (Outcome, error) {
	log := w.log.WithCall(callID, string(types.StageTranscription))

	call, err := w.store.GetCall(ctx, callID)
	if err != nil {
		log.WithField("error", err.Error()).Error("load call")
		if errors.Is(err, types.ErrNotFound) {
			return Failed, err
		}
		return Retry, err
	}
	if call.Status != types.StatusUploaded {
		log.WithField("status", call.Status).Debug("nothing to transcribe")
		return Skipped, nil
	}
	if call.AudioRef == "" {
		err := fmt.Errorf("%w: call %s has no audio_ref", types.ErrInvalidInput, callID)
		return settle(ctx, ctx, w.machine, log, callID, types.StageTranscription, nil, err)
	}

	// Claim the stage; losing the race means another worker owns it.
	_, advanced, err := w.machine.Advance(ctx, callID, types.StatusUploaded, types.StatusTranscribing, docstore.Update{})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			log.Debug("lost claim race")
			return Skipped, nil
		}
		log.WithField("error", err.Error()).Error("claim call")
		return Retry, err
	}
	if !advanced {
		return Skipped, nil
	}
	held := &claim{held: types.StatusTranscribing, back: types.StatusUploaded}

	stageCtx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	start := time.Now()
	transcript, err := w.transcribe(stageCtx, call)
	w.metrics.Since(metrics.OpTranscription, start, err)
	if err != nil {
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageTranscription, held, err)
	}

	w.saveRaw(stageCtx, log, callID, transcript)

	elapsed := time.Since(start).Seconds()
	cost := roundUSD(transcription.Cost(transcript.DurationSeconds), 4)
	_, advanced, err = w.machine.Advance(ctx, callID, types.StatusTranscribing, types.StatusTranscribed, docstore.Update{
		Transcript: transcript,
		Stage:      MetaTranscription,
		StageMeta: &types.StageMetadata{
			Model:           w.transcriber.Model(),
			Provider:        w.transcriber.Provider(),
			DurationSeconds: elapsed,
			CostUSD:         cost,
		},
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			log.WithField("error", err.Error()).Warn("claim lost before transcript was stored")
			return Skipped, nil
		}
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageTranscription, held, err)
	}
	if !advanced {
		return Skipped, nil
	}
	w.metrics.AddCost(MetaTranscription, cost)

	log.WithFields(logrus.Fields{
		"words":            transcript.WordCount,
		"segments":         len(transcript.Segments),
		"audio_seconds":    transcript.DurationSeconds,
		"duration_seconds": elapsed,
		"cost_usd":         cost,
	}).Info("call transcribed")

	// The transcript is stored; a failed hand-off is recoverable with
	// TriggerEmbedding, so the stage still counts as done.
	if err := w.next.Enqueue(ctx, types.NewEmbeddingItem(callID)); err != nil {
		log.WithField("error", err.Error()).Error("failed to enqueue embedding")
	}
	return Done, nil
}

// transcribe downloads the audio to a temp file, which is always removed,
// and runs the provider through the rate-limited client.
func (w *TranscriptionWorker) transcribe(ctx context.Context, call *types.Call) (*types.Transcript, error) {
	data, err := w.blobs.Get(ctx, call.AudioRef)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetch audio: %v", types.ErrUnavailable, err)
	}

	f, err := os.CreateTemp(w.tempDir, "call-*"+path.Ext(call.AudioRef))
	if err != nil {
		return nil, fmt.Errorf("%w: temp file: %v", types.ErrUnavailable, err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write temp file: %v", types.ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close temp file: %v", types.ErrUnavailable, err)
	}

	tr, err := extclient.Invoke(ctx, w.client, func(ctx context.Context) (*types.Transcription, error) {
		return w.transcriber.Transcribe(ctx, f.Name())
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tr.Text) == "" {
		return nil, fmt.Errorf("%w: no speech in %s", types.ErrInvalidInput, call.AudioRef)
	}

	return &types.Transcript{
		FullText:        tr.Text,
		Segments:        tr.Segments,
		WordCount:       len(strings.Fields(tr.Text)),
		DurationSeconds: tr.DurationSeconds,
		Language:        tr.Language,
	}, nil
}

// saveRaw keeps a copy of the transcript next to the audio.
func (w *TranscriptionWorker) saveRaw(ctx context.Context, log *logrus.Entry, callID string, t *types.Transcript) {
	raw, err := json.Marshal(t)
	if err == nil {
		err = w.blobs.Put(ctx, blobstore.TranscriptRef(callID), raw, "application/json")
	}
	if err != nil {
		log.WithField("error", err.Error()).Warn("failed to store raw transcript")
	}
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/chunker"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/embedding"
	"call-insights-go/internal/extclient"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/metrics"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/types"
	"call-insights-go/internal/vectorindex"
)

const (
	DefaultEmbeddingBudget = 10 * time.Minute
	DefaultBatchSize       = 100
	maxAdvanceAttempts     = 3
)

type EmbeddingDeps struct {
	Store    docstore.Store
	Machine  *statemachine.Machine
	Embedder embedding.Embedder
	Client   *extclient.Client
	Index    vectorindex.Index
	Chunker  *chunker.Chunker
	Metrics  *metrics.Collector
	Log      *logger.Logger

	Budget    time.Duration
	BatchSize int
}

type EmbeddingWorker struct {
	store     docstore.Store
	machine   *statemachine.Machine
	embedder  embedding.Embedder
	client    *extclient.Client
	index     vectorindex.Index
	chunker   *chunker.Chunker
	metrics   *metrics.Collector
	log       *logger.Logger
	budget    time.Duration
	batchSize int
}

func NewEmbeddingWorker(d EmbeddingDeps) *EmbeddingWorker {
	if d.Log == nil {
		d.Log = logger.New()
	}
	if d.Budget <= 0 {
		d.Budget = DefaultEmbeddingBudget
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.Chunker == nil {
		d.Chunker = chunker.New(chunker.DefaultConfig())
	}
	if d.Machine == nil {
		d.Machine = statemachine.New(d.Store, d.Log)
	}
	return &EmbeddingWorker{
		store:     d.Store,
		machine:   d.Machine,
		embedder:  d.Embedder,
		client:    d.Client,
		index:     d.Index,
		chunker:   d.Chunker,
		metrics:   d.Metrics,
		log:       d.Log.Component("embedding-worker"),
		budget:    d.Budget,
		batchSize: d.BatchSize,
	}
}

// readyForEmbedding lists the statuses the embedding stage may start from.
// Analysis runs alongside embedding, so its statuses qualify too.
func readyForEmbedding(s types.Status) bool {
	switch s {
	case types.StatusTranscribed, types.StatusAnalyzing, types.StatusAnalyzed:
		return true
	}
	return false
}

// Process chunks the call transcript with the overlapping strategy and
// indexes one vector per chunk.
func (w *EmbeddingWorker) Process(ctx context.Context, callID string) (Outcome, error) {
	return w.ProcessWith(ctx, callID, chunker.Overlapping)
}

// ProcessWith is Process with an explicit chunking strategy.
func (w *EmbeddingWorker) ProcessWith(ctx context.Context, callID string, strategy chunker.Strategy) (Outcome, error) {
	log := w.log.WithCall(callID, string(types.StageEmbedding))

	call, err := w.store.GetCall(ctx, callID)
	if err != nil {
		log.WithField("error", err.Error()).Error("load call")
		if errors.Is(err, types.ErrNotFound) {
			return Failed, err
		}
		return Retry, err
	}
	if statemachine.Reached(call.Status, types.StatusIndexed) {
		log.WithField("status", call.Status).Debug("already indexed")
		return Skipped, nil
	}
	if call.Status == types.StatusFailed {
		log.Debug("call failed earlier, waiting for redrive")
		return Skipped, nil
	}
	// A missing transcript means the stages ran out of order. Nothing is
	// retried and the call is left as it is.
	if call.Transcript == nil || strings.TrimSpace(call.Transcript.FullText) == "" {
		err := fmt.Errorf("%w: call %s has no transcript (status %s)", types.ErrInvalidInput, callID, call.Status)
		log.WithField("error", err.Error()).Error("cannot embed call")
		return Failed, err
	}
	if !readyForEmbedding(call.Status) {
		log.WithField("status", call.Status).Warn("transcription not finished, skipping")
		return Skipped, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	start := time.Now()
	chunks := w.chunker.Chunk(callID, call.Transcript.FullText, call.Transcript.Segments, strategy, chunkMetadata(call))

	records, apiCalls, err := w.embed(stageCtx, chunks)
	w.metrics.Since(metrics.OpEmbedding, start, err)
	if err != nil {
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageEmbedding, nil, err)
	}
	if w.indexedElsewhere(ctx, log, callID) {
		return Skipped, nil
	}
	// Chunk ids are deterministic, so writing upserts the current set and
	// only chunks past its end are left over from an earlier run.
	if err := w.write(stageCtx, log, records); err != nil {
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageEmbedding, nil, err)
	}
	if removed, err := w.index.DeleteChunksFrom(stageCtx, callID, len(records)); err != nil {
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageEmbedding, nil, err)
	} else if removed > 0 {
		log.WithField("removed", removed).Debug("dropped previous chunks")
	}

	elapsed := time.Since(start).Seconds()
	cost := roundUSD(embedding.Cost(apiCalls), 6)
	u := docstore.Update{
		Embeddings: &types.EmbeddingInfo{ChunkCount: len(chunks), IndexedAt: time.Now().UTC()},
		Stage:      MetaEmbeddings,
		StageMeta: &types.StageMetadata{
			Model:           w.embedder.Model(),
			Provider:        w.embedder.Provider(),
			DurationSeconds: elapsed,
			CostUSD:         cost,
			ChunkCount:      len(chunks),
			APICalls:        apiCalls,
		},
	}
	advanced, err := w.markIndexed(ctx, callID, call.Status, u)
	if err != nil {
		return settle(ctx, stageCtx, w.machine, log, callID, types.StageEmbedding, nil, err)
	}
	if !advanced {
		return Skipped, nil
	}
	w.metrics.AddCost(MetaEmbeddings, cost)

	log.WithFields(logrus.Fields{
		"chunks":           len(chunks),
		"api_calls":        apiCalls,
		"strategy":         strategy,
		"duration_seconds": elapsed,
		"cost_usd":         cost,
	}).Info("call indexed")
	return Done, nil
}

// embed turns every chunk into a vector record. The first error stops the
// stage; a re-run overwrites whatever was written.
func (w *EmbeddingWorker) embed(ctx context.Context, chunks []types.Chunk) ([]types.VectorRecord, int, error) {
	dim := w.index.Dimension()
	records := make([]types.VectorRecord, 0, len(chunks))
	apiCalls := 0
	for _, ch := range chunks {
		text := ch.Text
		vec, err := extclient.Invoke(ctx, w.client, func(ctx context.Context) ([]float32, error) {
			apiCalls++
			return w.embedder.Embed(ctx, text)
		})
		if err != nil {
			return nil, apiCalls, fmt.Errorf("embed %s: %w", ch.ChunkID, err)
		}
		if err := embedding.CheckDimension(vec, dim); err != nil {
			return nil, apiCalls, fmt.Errorf("embed %s: %w", ch.ChunkID, err)
		}
		records = append(records, recordFor(ch, vec))
	}
	return records, apiCalls, nil
}

// write submits records in batches. Any failed record fails the stage.
func (w *EmbeddingWorker) write(ctx context.Context, log *logrus.Entry, records []types.VectorRecord) error {
	for i := 0; i < len(records); i += w.batchSize {
		end := i + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		start := time.Now()
		res := w.index.BulkIndex(ctx, records[i:end])
		err := res.Err()
		w.metrics.Since(metrics.OpIndexWrite, start, err)
		if err != nil {
			log.WithFields(logrus.Fields{
				"batch_start": i,
				"failed":      res.Failed(),
				"error":       err.Error(),
			}).Error("bulk index failed")
			return fmt.Errorf("index batch at %d: %w", i, err)
		}
	}
	return nil
}

// indexedElsewhere reports whether a concurrent delivery already indexed
// the call, in which case this run must not touch its chunks.
func (w *EmbeddingWorker) indexedElsewhere(ctx context.Context, log *logrus.Entry, callID string) bool {
	cur, err := w.store.GetCall(ctx, callID)
	if err != nil || !statemachine.Reached(cur.Status, types.StatusIndexed) {
		return false
	}
	log.WithField("status", cur.Status).Debug("indexed by another worker")
	return true
}

// markIndexed advances to indexed from whatever pre-index status the call
// is in. Analysis may move the call between our read and our write.
func (w *EmbeddingWorker) markIndexed(ctx context.Context, callID string, from types.Status, u docstore.Update) (bool, error) {
	var err error
	for i := 0; i < maxAdvanceAttempts; i++ {
		var cur *types.Call
		var advanced bool
		cur, advanced, err = w.machine.Advance(ctx, callID, from, types.StatusIndexed, u)
		if err == nil {
			return advanced, nil
		}
		if !errors.Is(err, types.ErrConflict) || cur == nil || !readyForEmbedding(cur.Status) {
			break
		}
		from = cur.Status
	}
	if errors.Is(err, types.ErrConflict) {
		return false, nil
	}
	return false, err
}

func chunkMetadata(call *types.Call) map[string]any {
	meta := map[string]any{
		types.MetaUploadedAt: float64(call.UploadedAt.Unix()),
	}
	if call.CompanyName != "" {
		meta[types.MetaCompanyName] = call.CompanyName
	}
	if call.CallType != "" {
		meta[types.MetaCallType] = call.CallType
	}
	return meta
}

func recordFor(ch types.Chunk, vec []float32) types.VectorRecord {
	meta := make(map[string]any, len(ch.Metadata)+4)
	for k, v := range ch.Metadata {
		meta[k] = v
	}
	if ch.StartTime != nil {
		meta[types.MetaStartTime] = *ch.StartTime
	}
	if ch.EndTime != nil {
		meta[types.MetaEndTime] = *ch.EndTime
	}
	meta["word_count"] = ch.WordCount
	meta["character_count"] = ch.CharacterCount
	return types.VectorRecord{
		ChunkID:    ch.ChunkID,
		CallID:     ch.CallID,
		ChunkIndex: ch.ChunkIndex,
		Vector:     vec,
		Text:       ch.Text,
		Metadata:   meta,
	}
}

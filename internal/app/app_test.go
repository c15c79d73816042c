package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-insights-go/internal/config"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/types"
)

func localConfig() config.Config {
	return config.Config{
		QueueBackend:        config.BackendMemory,
		TranscriptionQueue:  "calls.transcription",
		EmbeddingQueue:      "calls.embedding",
		MaxDeliveries:       3,
		QueuePollWait:       20 * time.Millisecond,
		WorkerConcurrency:   2,
		BlobBackend:         config.BackendMemory,
		DocBackend:          config.BackendMemory,
		IndexBackend:        config.BackendMemory,
		EmbedDimension:      64,
		EmbedProvider:       config.ProviderMock,
		UseMockTranscribe:   true,
		UseMockLLM:          true,
		EmbedRPS:            100,
		TranscribeRPS:       100,
		LLMRPS:              100,
		RateQueueWait:       time.Second,
		TranscribeRetryBase: time.Millisecond,
		EmbedRetryBase:      time.Millisecond,
		QueryRetryBase:      time.Millisecond,
		MaxRetries:          1,
		TranscribeBudget:    time.Minute,
		EmbedBudget:         time.Minute,
		ChunkSize:           80,
		ChunkOverlap:        0.1,
		ChunkMin:            1,
		ChunkMax:            200,
	}
}

func TestLocalStackProcessesUpload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, localConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	done := make(chan struct{})
	go func() {
		a.RunWorkers(ctx)
		close(done)
	}()

	call, err := a.Intake.Submit(ctx, pipeline.Upload{CallID: "call_1", Filename: "a.wav", Audio: []byte("RIFF"), CompanyName: "Acme"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := a.Store.GetCall(ctx, call.CallID)
		return err == nil && c.Status == types.StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	min := 0.5
	resp, err := a.Retrieval.Search(ctx, types.SearchRequest{Query: "I was charged twice on my last invoice and I would like a refund.", MinScore: &min})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "call_1", resp.Results[0].CallID)

	snap := a.Metrics.Snapshot()
	assert.Contains(t, snap.Operations, "transcription")
	assert.Contains(t, snap.Operations, "embedding")

	cancel()
	<-done
}

func TestUnknownBackendIsRejected(t *testing.T) {
	cfg := localConfig()
	cfg.DocBackend = "postgres"
	_, err := New(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "DOC_BACKEND")

	cfg = localConfig()
	cfg.UseMockTranscribe = false
	_, err = New(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

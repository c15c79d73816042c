package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"call-insights-go/internal/app"
	"call-insights-go/internal/config"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

func setupApp(t *testing.T) (*app.App, *bytes.Buffer) {
	t.Helper()
	a, err := app.New(context.Background(), config.Config{
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
		TranscribeBudget:    time.Minute,
		EmbedBudget:         time.Minute,
		ChunkSize:           80,
		ChunkOverlap:        0.1,
		ChunkMin:            1,
		ChunkMax:            200,
	}, logger.Nop())
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	application, out = a, buf
	t.Cleanup(func() {
		_ = a.Close()
		application = nil
	})
	return a, buf
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestReportCommand(t *testing.T) {
	a, buf := setupApp(t)
	ctx := context.Background()
	require.NoError(t, a.Store.CreateCall(ctx, &types.Call{
		CallID: "c1", Status: types.StatusIndexed, UploadedAt: time.Now(),
		ProcessingMetadata: map[string]types.StageMetadata{"transcription": {DurationSeconds: 3, CostUSD: 0.006}},
	}))
	require.NoError(t, a.Store.CreateCall(ctx, &types.Call{
		CallID: "c2", Status: types.StatusFailed, UploadedAt: time.Now(),
		Error: &types.CallError{Stage: "transcription", Message: "429"},
	}))

	xlsx := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, run(t, "report", "--xlsx", xlsx))
	assert.Contains(t, buf.String(), "Calls: 2")
	assert.Contains(t, buf.String(), "High failure rate in transcription (50%)")
	assert.FileExists(t, xlsx)
}

func TestRedriveCommand(t *testing.T) {
	a, buf := setupApp(t)
	ctx := context.Background()
	require.NoError(t, a.Store.CreateCall(ctx, &types.Call{CallID: "c1", Status: types.StatusUploaded, AudioRef: "audio/c1.wav", UploadedAt: time.Now()}))
	_, err := a.Machine.Fail(ctx, "c1", types.StageTranscription, fmt.Errorf("%w: bad audio", types.ErrInvalidInput))
	require.NoError(t, err)

	require.NoError(t, run(t, "redrive", "c1"))
	assert.Contains(t, buf.String(), "c1: transcription queued (status uploaded)")

	err = run(t, "redrive", "c1", "missing")
	assert.ErrorContains(t, err, "2 of 2")
}

func TestSearchAndAskWithEmptyIndex(t *testing.T) {
	_, buf := setupApp(t)

	require.NoError(t, run(t, "search", "refund", "--since", "2025-01-01"))
	assert.Contains(t, buf.String(), "No results found.")

	buf.Reset()
	require.NoError(t, run(t, "ask", "why refunds?"))
	assert.Contains(t, buf.String(), `"why refunds?"`)

	assert.Error(t, run(t, "search", "refund", "--since", "yesterday"))
}

func TestBackfillCommandProcessesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "calls.xlsx")
	f := excelize.NewFile()
	rows := [][]interface{}{
		{"Call ID", "Company", "Call Type", "Recording URL"},
		{"c1", "Acme", "support", srv.URL + "/c1.wav"},
		{"c2", "Globex", "sales", srv.URL + "/c2.wav"},
	}
	for i, row := range rows {
		row := row
		require.NoError(t, f.SetSheetRow("Sheet1", fmt.Sprintf("A%d", i+1), &row))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	a, buf := setupApp(t)
	require.NoError(t, run(t, "backfill", path, "--dry-run"))
	assert.Contains(t, buf.String(), "Loaded 2 calls")
	_, err := a.Store.GetCall(context.Background(), "c1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	a, buf = setupApp(t)
	require.NoError(t, run(t, "backfill", path, "--dry-run=false", "--wait", "10s"))
	assert.Contains(t, buf.String(), "Submitted 2, skipped 0 existing, failed 0")
	assert.Contains(t, buf.String(), "status indexed")

	call, err := a.Store.GetCall(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIndexed, call.Status)
	assert.Equal(t, "Globex", call.CompanyName)
}

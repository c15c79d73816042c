package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-insights-go/internal/blobstore"
	"call-insights-go/internal/chunker"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/embedding"
	"call-insights-go/internal/extclient"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/processor"
	"call-insights-go/internal/queue"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/transcription"
	"call-insights-go/internal/types"
	"call-insights-go/internal/vectorindex"
)

func newCall(t *testing.T, store docstore.Store, id string, status types.Status) {
	t.Helper()
	require.NoError(t, store.CreateCall(context.Background(), &types.Call{
		CallID:     id,
		Status:     status,
		AudioRef:   blobstore.AudioRef(id, "a.wav"),
		UploadedAt: time.Now().UTC(),
	}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndUploadToIndexed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.Nop()

	store := docstore.NewMemory()
	blobs := blobstore.NewMemory()
	machine := statemachine.New(store, log)
	index := vectorindex.NewMemory(64)
	transQ := queue.NewMemory("calls.transcription", 3, 20*time.Millisecond)
	embedQ := queue.NewMemory("calls.embedding", 3, 20*time.Millisecond)
	client := extclient.New("test", extclient.Options{RPS: 1000, BaseDelay: time.Millisecond, Log: log})

	tw := processor.NewTranscriptionWorker(processor.TranscriptionDeps{
		Store: store, Blobs: blobs, Machine: machine, Transcriber: transcription.MockTranscriber{},
		Client: client, Next: embedQ, Log: log, TempDir: t.TempDir(),
	})
	ew := processor.NewEmbeddingWorker(processor.EmbeddingDeps{
		Store: store, Machine: machine, Embedder: embedding.NewHashEmbedder(64), Client: client,
		Index: index, Chunker: chunker.New(chunker.Config{ChunkSize: 60, MinChunkSize: 1}), Log: log,
	})

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{
		NewDispatcher(transQ, Handlers{Transcription: tw}, machine, DispatcherConfig{Concurrency: 2, MaxDeliveries: 3}, log),
		NewDispatcher(embedQ, Handlers{Embedding: ew}, machine, DispatcherConfig{Concurrency: 2, MaxDeliveries: 3}, log),
	} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_ = d.Run(ctx)
		}(d)
	}

	trigger := NewTrigger(store, machine, transQ, embedQ, log)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("call_%d", i)
		newCall(t, store, id, types.StatusUploaded)
		require.NoError(t, blobs.Put(ctx, blobstore.AudioRef(id, "a.wav"), []byte("RIFF"), "audio/wav"))
		require.NoError(t, trigger.TriggerTranscription(ctx, id))
	}
	// A duplicate delivery must not duplicate work.
	require.NoError(t, transQ.Enqueue(ctx, types.NewTranscriptionItem("call_0")))

	waitFor(t, func() bool {
		for i := 0; i < 3; i++ {
			c, err := store.GetCall(ctx, fmt.Sprintf("call_%d", i))
			if err != nil || c.Status != types.StatusIndexed {
				return false
			}
		}
		return true
	})

	cancel()
	wg.Wait()

	c, err := store.GetCall(context.Background(), "call_0")
	require.NoError(t, err)
	assert.Equal(t, c.Embeddings.ChunkCount*3, index.Len())
	assert.Empty(t, transQ.DeadLetters())
	assert.Empty(t, embedQ.DeadLetters())
}

type scriptedRunner struct {
	mu       sync.Mutex
	outcomes []processor.Outcome
	calls    int
}

func (s *scriptedRunner) Process(ctx context.Context, callID string) (processor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outcomes[len(s.outcomes)-1]
	if s.calls < len(s.outcomes) {
		out = s.outcomes[s.calls]
	}
	s.calls++
	if out == processor.Retry {
		return out, fmt.Errorf("%w: store timeout", types.ErrUnavailable)
	}
	return out, nil
}

func (s *scriptedRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func runDispatcher(t *testing.T, q *queue.Memory, h Handlers, machine *statemachine.Machine, maxDeliveries int) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(q, h, machine, DispatcherConfig{Concurrency: 1, MaxDeliveries: maxDeliveries}, logger.Nop())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestDispatcherRedeliversTransientErrors(t *testing.T) {
	q := queue.NewMemory("calls.transcription", 5, 10*time.Millisecond)
	r := &scriptedRunner{outcomes: []processor.Outcome{processor.Retry, processor.Retry, processor.Done}}
	stop := runDispatcher(t, q, Handlers{Transcription: r}, nil, 5)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), types.NewTranscriptionItem("call_1")))
	waitFor(t, func() bool { return r.count() == 3 })
	assert.Empty(t, q.DeadLetters())
}

func TestDispatcherDeadLettersAfterMaxDeliveries(t *testing.T) {
	store := docstore.NewMemory()
	newCall(t, store, "call_1", types.StatusUploaded)
	machine := statemachine.New(store, logger.Nop())

	q := queue.NewMemory("calls.transcription", 3, 10*time.Millisecond)
	r := &scriptedRunner{outcomes: []processor.Outcome{processor.Retry}}
	stop := runDispatcher(t, q, Handlers{Transcription: r}, machine, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), types.NewTranscriptionItem("call_1")))
	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 })
	assert.Equal(t, 3, r.count())

	call, err := store.GetCall(context.Background(), "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, call.Status)
	assert.Equal(t, 2, call.Error.RetryCount)
}

func TestDispatcherAcksTerminalFailures(t *testing.T) {
	q := queue.NewMemory("calls.transcription", 3, 10*time.Millisecond)
	r := &scriptedRunner{outcomes: []processor.Outcome{processor.Failed}}
	stop := runDispatcher(t, q, Handlers{Transcription: r}, nil, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), types.NewTranscriptionItem("call_1")))
	waitFor(t, func() bool { return r.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.count(), "a terminal failure is not redelivered")
	assert.Empty(t, q.DeadLetters())
}

func TestDispatcherDeadLettersUndecodableItems(t *testing.T) {
	q := queue.NewMemory("calls.transcription", 3, 10*time.Millisecond)
	r := &scriptedRunner{outcomes: []processor.Outcome{processor.Done}}
	stop := runDispatcher(t, q, Handlers{Transcription: r}, nil, 3)
	defer stop()

	require.NoError(t, q.EnqueueRaw([]byte(`{"stage":"analysis","call_id":"call_1"}`)))
	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 })
	assert.Equal(t, 0, r.count())
}

// flakyQueue fails Receive a set number of times (forever when negative)
// before falling through to the in-memory queue.
type flakyQueue struct {
	*queue.Memory
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	f.mu.Lock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return nil, f.err
	}
	f.mu.Unlock()
	return f.Memory.Receive(ctx)
}

func TestDispatcherKeepsPollingThroughReceiveErrors(t *testing.T) {
	q := &flakyQueue{
		Memory:   queue.NewMemory("calls.transcription", 3, 10*time.Millisecond),
		failures: 3,
		err:      fmt.Errorf("%w: connection reset", types.ErrUnavailable),
	}
	r := &scriptedRunner{outcomes: []processor.Outcome{processor.Done}}
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(q, Handlers{Transcription: r}, nil, DispatcherConfig{Concurrency: 1, ReceiveRetry: 5 * time.Second}, logger.Nop())
	result := make(chan error, 1)
	go func() { result <- d.Run(ctx) }()

	require.NoError(t, q.Enqueue(context.Background(), types.NewTranscriptionItem("call_1")))
	waitFor(t, func() bool { return r.count() == 1 })

	cancel()
	assert.NoError(t, <-result)
}

func TestDispatcherReportsPersistentReceiveFailure(t *testing.T) {
	q := &flakyQueue{
		Memory:   queue.NewMemory("calls.transcription", 3, 10*time.Millisecond),
		failures: -1,
		err:      fmt.Errorf("%w: channel closed by broker", types.ErrUnavailable),
	}
	d := NewDispatcher(q, Handlers{}, nil, DispatcherConfig{Concurrency: 2, ReceiveRetry: 200 * time.Millisecond}, logger.Nop())

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestDispatcherReportsClosedQueue(t *testing.T) {
	q := queue.NewMemory("calls.transcription", 3, 10*time.Millisecond)
	require.NoError(t, q.Close())
	d := NewDispatcher(q, Handlers{}, nil, DispatcherConfig{Concurrency: 1}, logger.Nop())

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestDispatcherRejectsItemsWithoutHandler(t *testing.T) {
	q := queue.NewMemory("calls.transcription", 3, 10*time.Millisecond)
	d := NewDispatcher(q, Handlers{}, nil, DispatcherConfig{}, logger.Nop())

	out, err := d.dispatch(context.Background(), types.NewEmbeddingItem("call_1"))
	assert.Equal(t, processor.Failed, out)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestTriggerPreconditions(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	transQ := queue.NewMemory("t", 3, time.Millisecond)
	embedQ := queue.NewMemory("e", 3, time.Millisecond)
	trigger := NewTrigger(store, nil, transQ, embedQ, logger.Nop())

	assert.ErrorIs(t, trigger.TriggerTranscription(ctx, "missing"), types.ErrNotFound)

	newCall(t, store, "call_up", types.StatusUploaded)
	assert.ErrorIs(t, trigger.TriggerEmbedding(ctx, "call_up"), types.ErrInvalidInput)
	require.NoError(t, trigger.TriggerTranscription(ctx, "call_up"))
	assert.Equal(t, 1, transQ.Len())

	newCall(t, store, "call_idx", types.StatusIndexed)
	_, err := store.UpdateCall(ctx, "call_idx", docstore.Update{Transcript: &types.Transcript{FullText: "hi"}})
	require.NoError(t, err)
	assert.ErrorIs(t, trigger.TriggerTranscription(ctx, "call_idx"), types.ErrConflict)
	assert.ErrorIs(t, trigger.TriggerEmbedding(ctx, "call_idx"), types.ErrConflict)
	assert.Equal(t, 0, embedQ.Len())
}

func TestRedriveQueuesFailedStage(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	machine := statemachine.New(store, logger.Nop())
	transQ := queue.NewMemory("t", 3, time.Millisecond)
	embedQ := queue.NewMemory("e", 3, time.Millisecond)
	trigger := NewTrigger(store, machine, transQ, embedQ, logger.Nop())

	newCall(t, store, "call_1", types.StatusTranscribed)
	_, err := store.UpdateCall(ctx, "call_1", docstore.Update{Transcript: &types.Transcript{FullText: "hello"}})
	require.NoError(t, err)
	_, err = machine.Fail(ctx, "call_1", types.StageEmbedding, fmt.Errorf("%w: boom", types.ErrDimensionMismatch))
	require.NoError(t, err)

	call, stage, err := trigger.Redrive(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StageEmbedding, stage)
	assert.Equal(t, types.StatusTranscribed, call.Status)
	assert.Nil(t, call.Error)
	assert.Equal(t, 1, embedQ.Len())
	assert.Equal(t, 0, transQ.Len())

	_, _, err = trigger.Redrive(ctx, "call_1")
	assert.ErrorIs(t, err, types.ErrInvalidInput, "only failed or stalled calls can be redriven")
}

func TestIntakeSubmitQueuesTranscription(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	blobs := blobstore.NewMemory()
	transQ := queue.NewMemory("t", 3, time.Millisecond)
	trigger := NewTrigger(store, nil, transQ, queue.NewMemory("e", 3, time.Millisecond), logger.Nop())
	intake := NewIntake(blobs, store, trigger, logger.Nop())

	call, err := intake.Submit(ctx, Upload{Filename: "Rec.MP3", Audio: []byte("ID3"), CompanyName: " Acme ", CallType: "support"})
	require.NoError(t, err)
	assert.NotEmpty(t, call.CallID)
	assert.Equal(t, types.StatusUploaded, call.Status)
	assert.Equal(t, "Acme", call.CompanyName)
	assert.Equal(t, blobstore.AudioRef(call.CallID, "Rec.MP3"), call.AudioRef)
	assert.Equal(t, 1, transQ.Len())

	data, err := blobs.Get(ctx, call.AudioRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), data)

	stored, err := store.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.AudioRef, stored.AudioRef)
}

func TestIntakeSubmitRejectsBadUploads(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	transQ := queue.NewMemory("t", 3, time.Millisecond)
	trigger := NewTrigger(store, nil, transQ, queue.NewMemory("e", 3, time.Millisecond), logger.Nop())
	intake := NewIntake(blobstore.NewMemory(), store, trigger, logger.Nop())

	_, err := intake.Submit(ctx, Upload{CallID: "c1"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = intake.Submit(ctx, Upload{CallID: "a/b", Audio: []byte("x")})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = intake.Submit(ctx, Upload{CallID: "c1", Audio: []byte("x")})
	require.NoError(t, err)
	_, err = intake.Submit(ctx, Upload{CallID: "c1", Audio: []byte("x")})
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, 1, transQ.Len())
}

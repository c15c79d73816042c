package statemachine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-insights-go/internal/docstore"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

func setup(t *testing.T, status types.Status) (*Machine, docstore.Store) {
	t.Helper()
	store := docstore.NewMemory()
	require.NoError(t, store.CreateCall(context.Background(), &types.Call{
		CallID:     "call_1",
		Status:     status,
		AudioRef:   "audio/call_1.wav",
		UploadedAt: time.Now().UTC(),
	}))
	return New(store, logger.Nop()), store
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(types.StatusUploaded, types.StatusTranscribing))
	assert.True(t, CanTransition(types.StatusTranscribed, types.StatusIndexed))
	assert.True(t, CanTransition(types.StatusAnalyzing, types.StatusFailed))
	assert.False(t, CanTransition(types.StatusIndexed, types.StatusTranscribed))
	assert.False(t, CanTransition(types.StatusIndexed, types.StatusIndexed))
	assert.False(t, CanTransition(types.StatusFailed, types.StatusUploaded))
	assert.False(t, CanTransition(types.StatusCompleted, types.StatusFailed))
	assert.False(t, CanTransition("bogus", types.StatusUploaded))
}

func TestReached(t *testing.T) {
	assert.True(t, Reached(types.StatusIndexed, types.StatusTranscribed))
	assert.True(t, Reached(types.StatusIndexed, types.StatusIndexed))
	assert.False(t, Reached(types.StatusTranscribed, types.StatusIndexed))
	assert.False(t, Reached(types.StatusFailed, types.StatusUploaded))
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, types.StatusUploaded)

	call, advanced, err := m.Advance(ctx, "call_1", types.StatusUploaded, types.StatusTranscribing, docstore.Update{})
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, types.StatusTranscribing, call.Status)

	_, _, err = m.Advance(ctx, "call_1", types.StatusTranscribing, types.StatusUploaded, docstore.Update{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	got, err := store.GetCall(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTranscribing, got.Status)
}

func TestAdvanceLostRaceIsNoop(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, types.StatusIndexed)

	call, advanced, err := m.Advance(ctx, "call_1", types.StatusTranscribed, types.StatusIndexed, docstore.Update{})
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, types.StatusIndexed, call.Status)

	got, err := store.GetCall(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIndexed, got.Status)
}

func TestAdvanceConflictWhenBehind(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, types.StatusUploaded)

	_, advanced, err := m.Advance(ctx, "call_1", types.StatusTranscribed, types.StatusIndexed, docstore.Update{})
	assert.False(t, advanced)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestFailRecordsError(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, types.StatusTranscribing)

	cause := &types.RetryError{Attempts: 4, Err: fmt.Errorf("%w: 503", types.ErrUnavailable)}
	call, err := m.Fail(ctx, "call_1", types.StageTranscription, cause)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, call.Status)
	require.NotNil(t, call.Error)
	assert.Equal(t, 3, call.Error.RetryCount)
	assert.Equal(t, "transcription", call.Error.Stage)
	assert.Contains(t, call.Error.Message, "max retries exceeded")

	again, err := m.Fail(ctx, "call_1", types.StageEmbedding, errors.New("other"))
	require.NoError(t, err)
	assert.Equal(t, "transcription", again.Error.Stage, "terminal calls are not overwritten")
}

func TestFailLeavesCompletedStageAlone(t *testing.T) {
	ctx := context.Background()

	m, _ := setup(t, types.StatusIndexed)
	call, err := m.Fail(ctx, "call_1", types.StageEmbedding, fmt.Errorf("%w: bad chunk", types.ErrInvalidInput))
	require.NoError(t, err)
	assert.Equal(t, types.StatusIndexed, call.Status)
	assert.Nil(t, call.Error)

	m, _ = setup(t, types.StatusTranscribed)
	call, err = m.Fail(ctx, "call_1", types.StageTranscription, errors.New("late failure"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusTranscribed, call.Status)

	call, err = m.Fail(ctx, "call_1", types.StageEmbedding, errors.New("index down"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, call.Status, "embedding has not run yet")
}

func TestRedriveReturnsToStagePrecondition(t *testing.T) {
	ctx := context.Background()

	m, store := setup(t, types.StatusTranscribing)
	_, err := m.Fail(ctx, "call_1", types.StageTranscription, errors.New("boom"))
	require.NoError(t, err)
	call, stage, err := m.Redrive(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StageTranscription, stage)
	assert.Equal(t, types.StatusUploaded, call.Status)
	assert.Nil(t, call.Error)

	_, err = store.UpdateCall(ctx, "call_1", docstore.Update{
		Status:     types.StatusTranscribed,
		Transcript: &types.Transcript{FullText: "hi"},
	})
	require.NoError(t, err)
	_, err = m.Fail(ctx, "call_1", types.StageEmbedding, errors.New("index down"))
	require.NoError(t, err)
	call, stage, err = m.Redrive(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StageEmbedding, stage)
	assert.Equal(t, types.StatusTranscribed, call.Status)

	_, _, err = m.Redrive(ctx, "call_1")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRedriveRecoversStalledClaim(t *testing.T) {
	m, _ := setup(t, types.StatusTranscribing)
	call, stage, err := m.Redrive(context.Background(), "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StageTranscription, stage)
	assert.Equal(t, types.StatusUploaded, call.Status)
}

func TestReleaseReturnsClaim(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, types.StatusTranscribing)

	require.NoError(t, m.Release(ctx, "call_1", types.StatusTranscribing, types.StatusUploaded))
	got, err := store.GetCall(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploaded, got.Status)

	// The claim is gone, so a second release loses.
	assert.ErrorIs(t, m.Release(ctx, "call_1", types.StatusTranscribing, types.StatusUploaded), types.ErrConflict)
	assert.ErrorIs(t, m.Release(ctx, "call_1", types.StatusIndexed, types.StatusUploaded), types.ErrInvalidInput)
}

// Package docstore persists call documents with compare-and-set updates
// guarded by the call's current status.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"call-insights-go/internal/types"
)

type Store interface {
	// CreateCall inserts a new call; an existing id is ErrConflict.
	CreateCall(ctx context.Context, call *types.Call) error
	// GetCall returns ErrNotFound for an unknown id.
	GetCall(ctx context.Context, callID string) (*types.Call, error)
	// UpdateCall merges u into the stored call and returns the result.
	UpdateCall(ctx context.Context, callID string, u Update) (*types.Call, error)
	// ListCalls returns calls newest first, at most limit (0 = all).
	ListCalls(ctx context.Context, limit int) ([]*types.Call, error)
	Close() error
}

// Update is a field-level merge. Zero-valued fields are left alone.
type Update struct {
	// ExpectStatus, when set, makes the update conditional: a stored call
	// in any other status fails with ErrConflict.
	ExpectStatus types.Status

	Status     types.Status
	Transcript *types.Transcript
	Embeddings *types.EmbeddingInfo
	// Stage names the processing_metadata entry StageMeta replaces.
	Stage      string
	StageMeta  *types.StageMetadata
	Error      *types.CallError
	ClearError bool
}

// Apply checks the guard and merges u into c.
func (u Update) Apply(c *types.Call, now time.Time) error {
	if u.ExpectStatus != "" && c.Status != u.ExpectStatus {
		return fmt.Errorf("%w: call %s is %s, expected %s", types.ErrConflict, c.CallID, c.Status, u.ExpectStatus)
	}
	if u.Status != "" {
		c.Status = u.Status
	}
	if u.Transcript != nil {
		c.Transcript = u.Transcript
	}
	if u.Embeddings != nil {
		c.Embeddings = u.Embeddings
	}
	if u.StageMeta != nil && u.Stage != "" {
		if c.ProcessingMetadata == nil {
			c.ProcessingMetadata = map[string]types.StageMetadata{}
		}
		c.ProcessingMetadata[u.Stage] = *u.StageMeta
	}
	if u.ClearError {
		c.Error = nil
	}
	if u.Error != nil {
		c.Error = u.Error
	}
	c.UpdatedAt = now
	return nil
}

func validateNew(call *types.Call) error {
	if call == nil || call.CallID == "" {
		return fmt.Errorf("%w: call_id required", types.ErrInvalidInput)
	}
	if !call.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", types.ErrInvalidInput, call.Status)
	}
	return nil
}

func clone(c *types.Call) *types.Call {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("docstore: marshal call: %v", err))
	}
	var out types.Call
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("docstore: unmarshal call: %v", err))
	}
	return &out
}

// versioned backends store the document as JSON with a version counter
// and write back only if the version is unchanged.
type versioned interface {
	load(ctx context.Context, callID string) (*types.Call, int64, error)
	save(ctx context.Context, call *types.Call, version int64) (bool, error)
}

const maxVersionRetries = 8

// casUpdate re-reads and re-applies until the write lands on the version
// it read. A failed ExpectStatus guard ends the loop with ErrConflict.
func casUpdate(ctx context.Context, b versioned, callID string, u Update) (*types.Call, error) {
	for i := 0; i < maxVersionRetries; i++ {
		call, version, err := b.load(ctx, callID)
		if err != nil {
			return nil, err
		}
		if err := u.Apply(call, time.Now().UTC()); err != nil {
			return nil, err
		}
		ok, err := b.save(ctx, call, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return call, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: call %s kept changing under update", types.ErrConflict, callID)
}

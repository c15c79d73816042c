package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-insights-go/internal/types"
)

type Memory struct {
	mu    sync.RWMutex
	calls map[string]*types.Call
}

func NewMemory() *Memory {
	return &Memory{calls: map[string]*types.Call{}}
}

func (m *Memory) CreateCall(ctx context.Context, call *types.Call) error {
	if err := validateNew(call); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.CallID]; ok {
		return fmt.Errorf("%w: call %s already exists", types.ErrConflict, call.CallID)
	}
	c := clone(call)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.calls[c.CallID] = c
	return nil
}

func (m *Memory) GetCall(ctx context.Context, callID string) (*types.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: call %s", types.ErrNotFound, callID)
	}
	return clone(c), nil
}

func (m *Memory) UpdateCall(ctx context.Context, callID string, u Update) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: call %s", types.ErrNotFound, callID)
	}
	next := clone(c)
	if err := u.Apply(next, time.Now().UTC()); err != nil {
		return nil, err
	}
	m.calls[callID] = next
	return clone(next), nil
}

func (m *Memory) ListCalls(ctx context.Context, limit int) ([]*types.Call, error) {
	m.mu.RLock()
	out := make([]*types.Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, clone(c))
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortNewestFirst(calls []*types.Call) {
	sort.Slice(calls, func(i, j int) bool {
		if !calls[i].UploadedAt.Equal(calls[j].UploadedAt) {
			return calls[i].UploadedAt.After(calls[j].UploadedAt)
		}
		return calls[i].CallID < calls[j].CallID
	})
}

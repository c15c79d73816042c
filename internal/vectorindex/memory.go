package vectorindex

import (
	"context"
	"sync"

	"call-insights-go/internal/types"
)

// Memory is a brute-force in-process index.
type Memory struct {
	mu   sync.RWMutex
	dim  int
	recs map[string]types.VectorRecord
}

func NewMemory(dim int) *Memory {
	return &Memory{dim: dim, recs: map[string]types.VectorRecord{}}
}

func (m *Memory) Dimension() int { return m.dim }

func (m *Memory) Index(ctx context.Context, rec types.VectorRecord) error {
	if err := checkRecord(rec, m.dim); err != nil {
		return err
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	m.mu.Lock()
	m.recs[rec.ChunkID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) BulkIndex(ctx context.Context, recs []types.VectorRecord) BulkResult {
	out := make(BulkResult, len(recs))
	for i, rec := range recs {
		out[i] = m.Index(ctx, rec)
	}
	return out
}

func (m *Memory) VectorSearch(ctx context.Context, q Query) ([]types.SearchHit, error) {
	return m.search(q, false)
}

func (m *Memory) HybridSearch(ctx context.Context, q Query) ([]types.SearchHit, error) {
	return m.search(q, true)
}

func (m *Memory) search(q Query, hybrid bool) ([]types.SearchHit, error) {
	if err := checkDimension(q.Vector, m.dim); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]types.SearchHit, 0)
	for _, rec := range m.recs {
		if !q.Filters.Matches(rec.Metadata) {
			continue
		}
		score := Score(q.Vector, rec.Vector)
		if hybrid {
			score = Blend(score, LexicalScore(q.Text, rec.Text))
		}
		if score < q.MinScore {
			continue
		}
		hits = append(hits, hitFrom(rec, score))
	}
	return rank(hits, q.K), nil
}

func (m *Memory) DeleteByCall(ctx context.Context, callID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.recs {
		if rec.CallID == callID {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteChunksFrom(ctx context.Context, callID string, from int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.recs {
		if rec.CallID == callID && rec.ChunkIndex >= from {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

func hitFrom(rec types.VectorRecord, score float64) types.SearchHit {
	return types.SearchHit{
		ChunkID:    rec.ChunkID,
		CallID:     rec.CallID,
		ChunkIndex: rec.ChunkIndex,
		Score:      score,
		Text:       rec.Text,
		Metadata:   rec.Metadata,
	}
}

// Package vectorindex stores chunk embeddings and ranks them against a
// query vector, optionally blended with lexical match.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"call-insights-go/internal/types"
)

// HybridAlpha weights vector similarity against lexical match.
const HybridAlpha = 0.7

type Index interface {
	// Index upserts one record by chunk id.
	Index(ctx context.Context, rec types.VectorRecord) error
	// BulkIndex indexes every record it can; one bad record never aborts
	// the rest.
	BulkIndex(ctx context.Context, recs []types.VectorRecord) BulkResult
	VectorSearch(ctx context.Context, q Query) ([]types.SearchHit, error)
	HybridSearch(ctx context.Context, q Query) ([]types.SearchHit, error)
	DeleteByCall(ctx context.Context, callID string) (int, error)
	// DeleteChunksFrom removes the call's chunks with index >= from.
	DeleteChunksFrom(ctx context.Context, callID string, from int) (int, error)
	Dimension() int
}

type Query struct {
	Vector   []float32
	Text     string
	K        int
	Filters  Filters
	MinScore float64
}

// BulkResult holds one error per input record, nil on success.
type BulkResult []error

func (r BulkResult) Failed() int {
	n := 0
	for _, err := range r {
		if err != nil {
			n++
		}
	}
	return n
}

// Err returns the first failure, or nil.
func (r BulkResult) Err() error {
	for _, err := range r {
		if err != nil {
			return err
		}
	}
	return nil
}

// Range bounds a numeric metadata field; nil ends are open.
type Range struct {
	Min *float64
	Max *float64
}

// Filters are ANDed exact-match and range constraints on chunk metadata.
type Filters struct {
	Equals map[string]string
	Ranges map[string]Range
}

func (f Filters) Empty() bool {
	return len(f.Equals) == 0 && len(f.Ranges) == 0
}

func (f Filters) Matches(meta map[string]any) bool {
	for k, want := range f.Equals {
		v, ok := meta[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	for k, r := range f.Ranges {
		v, ok := toFloat(meta[k])
		if !ok {
			return false
		}
		if r.Min != nil && v < *r.Min {
			return false
		}
		if r.Max != nil && v > *r.Max {
			return false
		}
	}
	return true
}

// FiltersFrom maps request filters onto chunk metadata keys. Dates compare
// against uploaded_at in unix seconds.
func FiltersFrom(sf types.SearchFilters) Filters {
	f := Filters{Equals: map[string]string{}, Ranges: map[string]Range{}}
	if sf.CompanyName != "" {
		f.Equals[types.MetaCompanyName] = sf.CompanyName
	}
	if sf.CallType != "" {
		f.Equals[types.MetaCallType] = sf.CallType
	}
	if sf.DateFrom != nil || sf.DateTo != nil {
		var r Range
		if sf.DateFrom != nil {
			r.Min = unix(*sf.DateFrom)
		}
		if sf.DateTo != nil {
			r.Max = unix(*sf.DateTo)
		}
		f.Ranges[types.MetaUploadedAt] = r
	}
	return f
}

func unix(t time.Time) *float64 {
	v := float64(t.UnixNano()) / 1e9
	return &v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case time.Time:
		return float64(n.UnixNano()) / 1e9, true
	}
	return 0, false
}

// Score maps cosine similarity onto [0,1]; identical directions score 1.
func Score(a, b []float32) float64 {
	return scoreFromCosine(cosine(a, b))
}

func scoreFromCosine(cos float64) float64 {
	s := (1 + cos) / 2
	return math.Max(0, math.Min(1, s))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push identical vectors just past 1.
	if c > 1-1e-9 {
		return 1
	}
	return c
}

// Blend combines vector and lexical scores; increasing either never
// lowers the result.
func Blend(vector, lexical float64) float64 {
	return HybridAlpha*vector + (1-HybridAlpha)*lexical
}

func checkDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: vector has %d dimensions, index expects %d", types.ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

func checkRecord(rec types.VectorRecord, dim int) error {
	if rec.ChunkID == "" || rec.CallID == "" {
		return fmt.Errorf("%w: chunk_id and call_id are required", types.ErrInvalidInput)
	}
	return checkDimension(rec.Vector, dim)
}

// rank sorts hits by score, ties by chunk id, and keeps the top k.
func rank(hits []types.SearchHit, k int) []types.SearchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

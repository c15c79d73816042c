package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"call-insights-go/internal/types"
)

// HashEmbedder is a deterministic bag-of-words embedder for offline runs
// and tests. Texts sharing words get nearby vectors.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Model() string    { return fmt.Sprintf("hash-%d", h.dim) }
func (h *HashEmbedder) Provider() string { return ProviderLocalHash }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: no words to embed", types.ErrInvalidInput)
	}
	vec := make([]float32, h.dim)
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%h.dim] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

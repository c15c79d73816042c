// Package embedding produces fixed-dimension vectors for chunk text.
package embedding

import (
	"context"
	"fmt"

	"call-insights-go/internal/types"
)

// Pricing assumption: ~150 tokens per call at $0.0001 per 1k tokens.
const (
	TokensPerCall     = 150
	PricePer1kTokens  = 0.0001
	ProviderBedrock   = "aws-bedrock"
	ProviderOpenAI    = "openai"
	ProviderLocalHash = "local-hash"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Provider() string
}

// Cost is the estimated spend for apiCalls embedding requests.
func Cost(apiCalls int) float64 {
	return float64(apiCalls) * TokensPerCall / 1000 * PricePer1kTokens
}

// CheckDimension rejects vectors that do not match the index.
func CheckDimension(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", types.ErrDimensionMismatch, len(vec), want)
	}
	return nil
}

package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"call-insights-go/internal/extclient"
	"call-insights-go/internal/types"
)

// OpenAIEmbedder uses langchaingo's OpenAI client.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	model    string
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return &OpenAIEmbedder{embedder: e, model: model}, nil
}

func (o *OpenAIEmbedder) Model() string    { return o.model }
func (o *OpenAIEmbedder) Provider() string { return ProviderOpenAI }

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", types.ErrInvalidInput)
	}
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, extclient.Classify(err)
	}
	return vec, nil
}

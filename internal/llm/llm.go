// Package llm generates grounded answers through a chat model.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"call-insights-go/internal/extclient"
	"call-insights-go/internal/types"
)

const (
	Temperature = 0.3
	MaxTokens   = 1500

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

type Prompt struct {
	System string
	User   string
	// Model overrides the generator's default model when set.
	Model string
}

type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	DefaultModel() string
}

// ProviderFor routes a model name to its provider by prefix.
func ProviderFor(model string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "", fmt.Errorf("%w: model name required", types.ErrInvalidInput)
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic, nil
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI, nil
	}
	return "", fmt.Errorf("%w: unsupported model %q", types.ErrInvalidInput, model)
}

// Router sends each prompt to the provider that serves its model.
type Router struct {
	defaultModel string
	models       map[string]llms.Model
}

type RouterConfig struct {
	DefaultModel    string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	r := &Router{defaultModel: cfg.DefaultModel, models: map[string]llms.Model{}}
	if cfg.OpenAIAPIKey != "" {
		opts := []openai.Option{openai.WithToken(cfg.OpenAIAPIKey)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		r.models[ProviderOpenAI] = m
	}
	if cfg.AnthropicAPIKey != "" {
		m, err := anthropic.New(anthropic.WithToken(cfg.AnthropicAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		r.models[ProviderAnthropic] = m
	}
	if len(r.models) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return r, nil
}

func newRouterWith(defaultModel string, models map[string]llms.Model) *Router {
	return &Router{defaultModel: defaultModel, models: models}
}

func (r *Router) DefaultModel() string { return r.defaultModel }

func (r *Router) Generate(ctx context.Context, p Prompt) (string, error) {
	model := p.Model
	if model == "" {
		model = r.defaultModel
	}
	provider, err := ProviderFor(model)
	if err != nil {
		return "", err
	}
	m, ok := r.models[provider]
	if !ok {
		return "", fmt.Errorf("%w: provider %s not configured for model %s", types.ErrInvalidInput, provider, model)
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, p.System),
		llms.TextParts(llms.ChatMessageTypeHuman, p.User),
	}
	resp, err := m.GenerateContent(ctx, msgs,
		llms.WithModel(model),
		llms.WithTemperature(Temperature),
		llms.WithMaxTokens(MaxTokens),
	)
	if err != nil {
		return "", extclient.Classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %s returned no choices", types.ErrUnavailable, provider)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

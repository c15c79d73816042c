// Package retrieval answers semantic search and grounded question-answering
// requests from the vector index. It only reads; the pipeline writes.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/docstore"
	"call-insights-go/internal/embedding"
	"call-insights-go/internal/extclient"
	"call-insights-go/internal/llm"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/metrics"
	"call-insights-go/internal/types"
	"call-insights-go/internal/vectorindex"
)

const (
	DefaultSearchK        = 10
	MaxSearchK            = 100
	DefaultSearchMinScore = 0.7

	DefaultAnswerK        = 5
	MaxAnswerK            = 20
	DefaultAnswerMinScore = 0.6
)

type Deps struct {
	Embedder    embedding.Embedder
	EmbedClient *extclient.Client
	Index       vectorindex.Index
	Store       docstore.Store
	Generator   llm.Generator
	LLMClient   *extclient.Client
	Metrics     *metrics.Collector
	Log         *logger.Logger
}

type Service struct {
	embedder    embedding.Embedder
	embedClient *extclient.Client
	index       vectorindex.Index
	store       docstore.Store
	generator   llm.Generator
	llmClient   *extclient.Client
	metrics     *metrics.Collector
	log         *logger.Logger
}

func New(d Deps) *Service {
	if d.Log == nil {
		d.Log = logger.New()
	}
	return &Service{
		embedder:    d.Embedder,
		embedClient: d.EmbedClient,
		index:       d.Index,
		store:       d.Store,
		generator:   d.Generator,
		llmClient:   d.LLMClient,
		metrics:     d.Metrics,
		log:         d.Log.Component("retrieval"),
	}
}

// Search ranks chunks against the query. No match is an empty result, not
// an error.
func (s *Service) Search(ctx context.Context, req types.SearchRequest) (*types.SearchResponse, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", types.ErrInvalidInput)
	}
	k, err := resolveK(req.K, DefaultSearchK, MaxSearchK)
	if err != nil {
		return nil, err
	}
	minScore, err := resolveMinScore(req.MinScore, DefaultSearchMinScore)
	if err != nil {
		return nil, err
	}

	hits, err := s.retrieve(ctx, query, req.Filters, k, minScore, req.Hybrid)
	s.metrics.Since(metrics.OpSearch, start, err)
	if err != nil {
		return nil, err
	}

	results := s.enrich(ctx, hits)
	resp := &types.SearchResponse{
		Query:     query,
		Results:   results,
		Total:     len(results),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	s.log.WithFields(logrus.Fields{
		"k":          k,
		"min_score":  minScore,
		"results":    resp.Total,
		"latency_ms": resp.LatencyMs,
	}).Info("search")
	return resp, nil
}

// Answer retrieves context and asks the model to answer from it. With no
// usable context the model is never called.
func (s *Service) Answer(ctx context.Context, req types.AnswerRequest) (*types.Answer, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", types.ErrInvalidInput)
	}
	k, err := resolveK(req.K, DefaultAnswerK, MaxAnswerK)
	if err != nil {
		return nil, err
	}
	minScore, err := resolveMinScore(req.MinScore, DefaultAnswerMinScore)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = s.generator.DefaultModel()
	}
	includeSources := req.IncludeSources == nil || *req.IncludeSources

	hits, err := s.retrieve(ctx, question, req.Filters, k, minScore, false)
	s.metrics.Since(metrics.OpSearch, start, err)
	if err != nil {
		return nil, err
	}

	out := &types.Answer{
		Question:     question,
		Sources:      []types.SearchHit{},
		ModelUsed:    model,
		TotalSources: len(hits),
	}
	log := s.log.WithFields(logrus.Fields{"model": model, "sources": len(hits)})

	if len(hits) == 0 {
		out.Answer = NoContextAnswer(question)
		out.Insufficient = true
		out.LatencyMs = time.Since(start).Milliseconds()
		log.Info("no context above threshold, skipped model call")
		return out, nil
	}

	prompt := llm.Prompt{
		System: SystemPrompt,
		User:   BuildUserPrompt(question, FormatContext(hits)),
		Model:  model,
	}
	llmStart := time.Now()
	answer, err := extclient.Invoke(ctx, s.llmClient, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, prompt)
	})
	s.metrics.Since(metrics.OpLLM, llmStart, err)
	if err != nil {
		log.WithField("error", err.Error()).Error("answer generation failed")
		if errors.Is(err, types.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: answer generation: %v", types.ErrUnavailable, err)
	}

	out.Answer = answer
	if includeSources {
		out.Sources = hits
	}
	out.LatencyMs = time.Since(start).Milliseconds()
	log.WithFields(logrus.Fields{
		"answer_chars": len(answer),
		"latency_ms":   out.LatencyMs,
	}).Info("answer generated")
	return out, nil
}

func (s *Service) retrieve(ctx context.Context, text string, filters types.SearchFilters, k int, minScore float64, hybrid bool) ([]types.SearchHit, error) {
	vec, err := extclient.Invoke(ctx, s.embedClient, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
	if err != nil {
		s.log.WithField("error", err.Error()).Error("query embedding failed")
		if errors.Is(err, types.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: query embedding: %v", types.ErrUnavailable, err)
	}

	q := vectorindex.Query{
		Vector:   vec,
		Text:     text,
		K:        k,
		Filters:  vectorindex.FiltersFrom(filters),
		MinScore: minScore,
	}
	var hits []types.SearchHit
	if hybrid {
		hits, err = s.index.HybridSearch(ctx, q)
	} else {
		hits, err = s.index.VectorSearch(ctx, q)
	}
	if err != nil {
		s.log.WithField("error", err.Error()).Error("index search failed")
		if errors.Is(err, types.ErrInvalidInput) {
			return nil, err
		}
		if errors.Is(err, types.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
		if !errors.Is(err, types.ErrUnavailable) {
			return nil, fmt.Errorf("%w: search: %v", types.ErrUnavailable, err)
		}
		return nil, err
	}
	if hits == nil {
		hits = []types.SearchHit{}
	}
	return hits, nil
}

// enrich attaches upload time and duration from the call document. Calls
// the index knows but the store does not are returned without them.
func (s *Service) enrich(ctx context.Context, hits []types.SearchHit) []types.SearchResult {
	calls := map[string]*types.Call{}
	out := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		call, seen := calls[h.CallID]
		if !seen {
			c, err := s.store.GetCall(ctx, h.CallID)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				s.log.WithCall(h.CallID, "search").WithField("error", err.Error()).Warn("call lookup failed")
			}
			call = c
			calls[h.CallID] = c
		}
		r := types.SearchResult{SearchHit: h}
		if call != nil {
			uploaded := call.UploadedAt
			r.UploadedAt = &uploaded
			r.DurationSeconds = call.DurationSeconds()
		}
		out = append(out, r)
	}
	return out
}

func resolveK(k, def, max int) (int, error) {
	if k == 0 {
		return def, nil
	}
	if k < 1 || k > max {
		return 0, fmt.Errorf("%w: k must be between 1 and %d", types.ErrInvalidInput, max)
	}
	return k, nil
}

func resolveMinScore(v *float64, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	if *v < 0 || *v > 1 {
		return 0, fmt.Errorf("%w: min_score must be between 0 and 1", types.ErrInvalidInput)
	}
	return *v, nil
}

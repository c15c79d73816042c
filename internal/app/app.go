// Package app builds the pipeline and retrieval components from
// configuration. Every binary starts here.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"call-insights-go/internal/blobstore"
	"call-insights-go/internal/chunker"
	"call-insights-go/internal/config"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/embedding"
	"call-insights-go/internal/extclient"
	"call-insights-go/internal/llm"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/metrics"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/processor"
	"call-insights-go/internal/queue"
	"call-insights-go/internal/retrieval"
	"call-insights-go/internal/statemachine"
	"call-insights-go/internal/transcription"
	"call-insights-go/internal/vectorindex"
)

type App struct {
	Config  config.Config
	Log     *logger.Logger
	Metrics *metrics.Collector

	Store              docstore.Store
	Blobs              blobstore.Store
	Index              vectorindex.Index
	TranscriptionQueue queue.Queue
	EmbeddingQueue     queue.Queue

	Machine       *statemachine.Machine
	Trigger       *pipeline.Trigger
	Intake        *pipeline.Intake
	Transcription *processor.TranscriptionWorker
	Embedding     *processor.EmbeddingWorker
	Retrieval     *retrieval.Service

	closers []func() error
}

// New connects every backend named by cfg. On error anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.New()
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.NewCollector()}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueues(); err != nil {
		return nil, err
	}

	transcriber, err := newTranscriber(cfg, log)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	generator, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	transcribeClient := extclient.New("transcription", extclient.Options{
		RPS: cfg.TranscribeRPS, QueueWait: cfg.RateQueueWait, BaseDelay: cfg.TranscribeRetryBase, MaxRetries: cfg.MaxRetries, Log: log,
	})
	embedClient := extclient.New("embedding", extclient.Options{
		RPS: cfg.EmbedRPS, QueueWait: cfg.RateQueueWait, BaseDelay: cfg.EmbedRetryBase, MaxRetries: cfg.MaxRetries, Log: log,
	})
	queryClient := extclient.New("query", extclient.Options{
		RPS: cfg.EmbedRPS, QueueWait: cfg.RateQueueWait, BaseDelay: cfg.QueryRetryBase, MaxRetries: cfg.MaxRetries, Log: log,
	})
	llmClient := extclient.New("llm", extclient.Options{
		RPS: cfg.LLMRPS, QueueWait: cfg.RateQueueWait, BaseDelay: cfg.QueryRetryBase, MaxRetries: cfg.MaxRetries, Log: log,
	})

	a.Machine = statemachine.New(a.Store, log)
	a.Trigger = pipeline.NewTrigger(a.Store, a.Machine, a.TranscriptionQueue, a.EmbeddingQueue, log)
	a.Intake = pipeline.NewIntake(a.Blobs, a.Store, a.Trigger, log)

	a.Transcription = processor.NewTranscriptionWorker(processor.TranscriptionDeps{
		Store:       a.Store,
		Blobs:       a.Blobs,
		Machine:     a.Machine,
		Transcriber: transcriber,
		Client:      transcribeClient,
		Next:        a.EmbeddingQueue,
		Metrics:     a.Metrics,
		Log:         log,
		Budget:      cfg.TranscribeBudget,
	})
	a.Embedding = processor.NewEmbeddingWorker(processor.EmbeddingDeps{
		Store:    a.Store,
		Machine:  a.Machine,
		Embedder: embedder,
		Client:   embedClient,
		Index:    a.Index,
		Chunker: chunker.New(chunker.Config{
			ChunkSize:    cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
			MinChunkSize: cfg.ChunkMin,
			MaxChunkSize: cfg.ChunkMax,
		}),
		Metrics: a.Metrics,
		Log:     log,
		Budget:  cfg.EmbedBudget,
	})
	a.Retrieval = retrieval.New(retrieval.Deps{
		Embedder:    embedder,
		EmbedClient: queryClient,
		Index:       a.Index,
		Store:       a.Store,
		Generator:   generator,
		LLMClient:   llmClient,
		Metrics:     a.Metrics,
		Log:         log,
	})

	log.WithField("queue", cfg.QueueBackend).
		WithField("blobs", cfg.BlobBackend).
		WithField("docs", cfg.DocBackend).
		WithField("index", cfg.IndexBackend).
		WithField("embedder", embedder.Model()).
		Info("app initialized")
	ready = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.DocBackend {
	case config.BackendMemory:
		a.Store = docstore.NewMemory()
	case config.BackendSQLite:
		s, err := docstore.NewSQLite(cfg.SQLiteDir)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.Store = s
	case config.BackendScylla:
		s, err := docstore.NewScylla(cfg.ScyllaKeyspace, cfg.ScyllaHosts...)
		if err != nil {
			return fmt.Errorf("open scylla store: %w", err)
		}
		a.Store = s
	default:
		return fmt.Errorf("unknown DOC_BACKEND %q", cfg.DocBackend)
	}
	a.closers = append(a.closers, a.Store.Close)

	switch cfg.BlobBackend {
	case config.BackendMemory:
		a.Blobs = blobstore.NewMemory()
	case config.BackendMinio:
		m, err := blobstore.NewMinio(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("open minio: %w", err)
		}
		a.Blobs = m
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}

	switch cfg.IndexBackend {
	case config.BackendMemory:
		a.Index = vectorindex.NewMemory(cfg.EmbedDimension)
	case config.BackendSurreal:
		s, err := vectorindex.NewSurreal(ctx, vectorindex.SurrealConfig{
			URL:       cfg.SurrealURL,
			Namespace: cfg.SurrealNamespace,
			Database:  cfg.SurrealDatabase,
			Username:  cfg.SurrealUser,
			Password:  cfg.SurrealPass,
			Dimension: cfg.EmbedDimension,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("open surrealdb: %w", err)
		}
		a.Index = s
		a.closers = append(a.closers, func() error { return s.Close(context.Background()) })
	default:
		return fmt.Errorf("unknown INDEX_BACKEND %q", cfg.IndexBackend)
	}
	return nil
}

func (a *App) openQueues() error {
	cfg := a.Config
	switch cfg.QueueBackend {
	case config.BackendMemory:
		a.TranscriptionQueue = queue.NewMemory(cfg.TranscriptionQueue, cfg.MaxDeliveries, cfg.QueuePollWait)
		a.EmbeddingQueue = queue.NewMemory(cfg.EmbeddingQueue, cfg.MaxDeliveries, cfg.QueuePollWait)
	case config.BackendRabbitMQ:
		broker, err := queue.DialRabbitMQ(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		a.closers = append(a.closers, broker.Close)
		opts := queue.RabbitOptions{
			MaxDeliveries: cfg.MaxDeliveries,
			PollWait:      cfg.QueuePollWait,
			Prefetch:      cfg.WorkerConcurrency,
		}
		tq, err := broker.Queue(cfg.TranscriptionQueue, opts)
		if err != nil {
			return fmt.Errorf("declare %s: %w", cfg.TranscriptionQueue, err)
		}
		eq, err := broker.Queue(cfg.EmbeddingQueue, opts)
		if err != nil {
			return fmt.Errorf("declare %s: %w", cfg.EmbeddingQueue, err)
		}
		a.TranscriptionQueue, a.EmbeddingQueue = tq, eq
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	// queues close before the broker connection they ride on
	tq, eq := a.TranscriptionQueue, a.EmbeddingQueue
	a.closers = append(a.closers, eq.Close, tq.Close)
	return nil
}

func newTranscriber(cfg config.Config, log *logger.Logger) (transcription.Transcriber, error) {
	if cfg.UseMockTranscribe {
		return transcription.MockTranscriber{}, nil
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for transcription (or set USE_MOCK_TRANSCRIBE=true)")
	}
	return transcription.NewWhisperClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.TranscribeModel, log), nil
}

func newEmbedder(ctx context.Context, cfg config.Config) (embedding.Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderMock:
		return embedding.NewHashEmbedder(cfg.EmbedDimension), nil
	case config.ProviderBedrock:
		e, err := embedding.NewBedrockEmbedder(ctx, cfg.AWSRegion, cfg.EmbedModel, cfg.EmbedDimension)
		if err != nil {
			return nil, fmt.Errorf("bedrock embedder: %w", err)
		}
		return e, nil
	case config.ProviderOpenAI:
		e, err := embedding.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown EMBED_PROVIDER %q", cfg.EmbedProvider)
	}
}

func newGenerator(cfg config.Config) (llm.Generator, error) {
	if cfg.UseMockLLM {
		return llm.MockGenerator{}, nil
	}
	return llm.NewRouter(llm.RouterConfig{
		DefaultModel:    cfg.LLMModel,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
	})
}

// Dispatchers returns one dispatcher per stage queue.
func (a *App) Dispatchers() []*pipeline.Dispatcher {
	dc := pipeline.DispatcherConfig{
		Concurrency:   a.Config.WorkerConcurrency,
		MaxDeliveries: a.Config.MaxDeliveries,
	}
	return []*pipeline.Dispatcher{
		pipeline.NewDispatcher(a.TranscriptionQueue, pipeline.Handlers{Transcription: a.Transcription}, a.Machine, dc, a.Log),
		pipeline.NewDispatcher(a.EmbeddingQueue, pipeline.Handlers{Embedding: a.Embedding}, a.Machine, dc, a.Log),
	}
}

// RunWorkers drains both stage queues until ctx is cancelled. If one
// dispatcher gives up the other is stopped too and the error is returned.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range a.Dispatchers() {
		wg.Add(1)
		go func(d *pipeline.Dispatcher) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				a.Log.WithError(err).Error("dispatcher exited")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}(d)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

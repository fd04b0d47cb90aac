// Package app assembles the runtime from a loaded configuration: storage,
// cache and locks, the indexing pipeline, retrieval, the agent queue and the
// HTTP handler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/providers"
	"github.com/haasonsaas/llmops/internal/agent/queue"
	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/config"
	"github.com/haasonsaas/llmops/internal/files"
	"github.com/haasonsaas/llmops/internal/memory"
	"github.com/haasonsaas/llmops/internal/memory/embeddings"
	"github.com/haasonsaas/llmops/internal/memory/embeddings/hashing"
	"github.com/haasonsaas/llmops/internal/memory/embeddings/ollama"
	embopenai "github.com/haasonsaas/llmops/internal/memory/embeddings/openai"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/indexing"
	"github.com/haasonsaas/llmops/internal/rag/keywords"
	"github.com/haasonsaas/llmops/internal/rag/keywordtable"
	"github.com/haasonsaas/llmops/internal/rag/parser"
	"github.com/haasonsaas/llmops/internal/rag/parser/markdown"
	"github.com/haasonsaas/llmops/internal/rag/parser/pdf"
	"github.com/haasonsaas/llmops/internal/rag/parser/text"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore/pgvector"
	"github.com/haasonsaas/llmops/internal/ratelimit"
	"github.com/haasonsaas/llmops/internal/server"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/internal/tasks"
	"github.com/haasonsaas/llmops/internal/tools/builtin"
	ragtool "github.com/haasonsaas/llmops/internal/tools/rag"
)

// Options controls how New assembles the runtime.
type Options struct {
	Config *config.Config

	// InlineTasks runs indexing in the submitting goroutine instead of the
	// background executor. Commands that exit after one operation set it.
	InlineTasks bool

	// Registry receives the metrics. Nil creates a fresh registry.
	Registry *prometheus.Registry

	// Stores, Provider and Embedder replace the configured ones when set.
	// The caller keeps ownership of Stores.
	Stores   *storage.StoreSet
	Provider agent.LLMProvider
	Embedder embeddings.Provider
}

// App holds the assembled components.
type App struct {
	Config *config.Config
	Logger *observability.Logger

	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	Stores        storage.StoreSet
	Cache         cache.Cache
	Locker        *cache.Locker
	Queue         *queue.Manager
	Embedder      embeddings.Provider
	Vectors       vectorstore.Store
	Files         *files.Service
	Pipeline      *indexing.Pipeline
	Datasets      *indexing.DatasetService
	Documents     *indexing.DocumentService
	Segments      *indexing.SegmentService
	Retrieval     *retrieval.Service
	Provider      agent.LLMProvider
	Conversations *memory.Conversations

	providerErr error

	executor  *tasks.Executor
	scheduler *tasks.Scheduler
	httpSrv   *http.Server

	closers   []func(context.Context) error
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds every component named by the configuration. Nothing runs
// until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg, Registry: opts.Registry}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	a.Logger = observability.NewLogger(cfg.Logging)
	a.Metrics = observability.NewMetrics(a.Registry)

	tracer, shutdown := observability.NewTracer(cfg.Tracing)
	a.Tracer = tracer
	a.closers = append(a.closers, shutdown)

	if err := a.build(ctx, opts); err != nil {
		_ = a.Close(ctx) //nolint:errcheck
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	var err error
	if opts.Stores != nil {
		a.Stores = *opts.Stores
	} else {
		if a.Stores, err = storage.Open(ctx, cfg.Database.Storage()); err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		stores := a.Stores
		a.closers = append(a.closers, func(context.Context) error { return stores.Close() })
	}
	stores := a.Stores

	if err := a.buildCache(); err != nil {
		return err
	}
	a.Locker = cache.NewLocker(a.Cache, cache.LockerOptions{
		OnContention: a.Metrics.LockContended,
		Logger:       a.Logger.Component("lock"),
	})
	a.Queue = queue.NewManager(a.Cache, cfg.Queue, a.Logger.Component("queue")).WithMetrics(a.Metrics)

	a.Embedder = opts.Embedder
	if a.Embedder == nil {
		if a.Embedder, err = newEmbedder(cfg); err != nil {
			return err
		}
	}
	if err := a.buildVectors(); err != nil {
		return err
	}
	if err := a.buildFiles(ctx); err != nil {
		return err
	}

	parsers := parser.NewRegistry()
	text.Register(parsers)
	markdown.Register(parsers)
	pdf.Register(parsers)

	extractor := keywords.New()
	tables := keywordtable.New(stores.KeywordTables, stores.Segments, a.Locker, a.Logger.Component("keyword_table"))

	a.Pipeline = indexing.NewPipeline(stores, indexing.Dependencies{
		Files:         a.Files,
		Parsers:       parsers,
		Embedder:      a.Embedder,
		Extractor:     extractor,
		KeywordTables: tables,
		Vectors:       a.Vectors,
		Locker:        a.Locker,
	}, &cfg.Indexing).
		WithLogger(a.Logger.Component("indexing")).
		WithMetrics(a.Metrics).
		WithTracer(a.Tracer)

	var submitter tasks.Submitter
	if opts.InlineTasks {
		submitter = &tasks.Inline{
			MaxAttempts: cfg.Tasks.MaxAttempts,
			Backoff:     cfg.Tasks.Backoff,
			Logger:      a.Logger.Component("tasks"),
		}
	} else {
		a.executor = tasks.NewExecutor(cfg.Tasks).
			WithLogger(a.Logger.Component("tasks")).
			WithMetrics(a.Metrics)
		submitter = a.executor
	}
	a.scheduler = tasks.NewScheduler(a.Logger.Component("scheduler")).WithMetrics(a.Metrics)
	if purger, ok := a.Cache.(cache.Purger); ok && cfg.Cache.SweepSchedule != "" {
		if err := a.scheduler.Add(cfg.Cache.SweepSchedule, tasks.SweepTask(purger, a.Logger.Component("cache"))); err != nil {
			return fmt.Errorf("schedule cache sweep: %w", err)
		}
	}

	a.Datasets = indexing.NewDatasetService(stores, a.Pipeline, submitter)
	a.Documents = indexing.NewDocumentService(stores, a.Pipeline, a.Locker, submitter).
		WithLogger(a.Logger.Component("documents"))
	a.Segments = indexing.NewSegmentService(stores, a.Pipeline).
		WithLogger(a.Logger.Component("segments"))
	a.Retrieval = retrieval.NewService(stores, a.Vectors, extractor, &cfg.Retrieval).
		WithLogger(a.Logger.Component("retrieval")).
		WithMetrics(a.Metrics).
		WithTracer(a.Tracer)

	a.Provider = opts.Provider
	if a.Provider == nil {
		if a.Provider, err = newProvider(ctx, cfg.LLM); err != nil {
			// Indexing and retrieval still work; only agent turns need a model.
			a.providerErr = err
			a.Logger.Warn("llm provider unavailable", "provider", cfg.LLM.Provider, "error", err)
		}
	}
	a.Conversations = memory.NewConversations(memory.NewTokenBufferMemory(cfg.Agent.Memory, a.Embedder.CountTokens))
	return nil
}

func (a *App) buildCache() error {
	switch a.Config.Cache.Backend {
	case "", "memory":
		a.Cache = cache.NewMemoryCache(cache.MemoryCacheOptions{})
	case "sql":
		if a.Stores.DB == nil {
			return errors.New("cache backend sql requires a SQL database")
		}
		c, err := cache.NewSQLCache(a.Stores.DB, a.Stores.Dialect)
		if err != nil {
			return fmt.Errorf("create sql cache: %w", err)
		}
		a.Cache = c
	default:
		return fmt.Errorf("unknown cache backend %q", a.Config.Cache.Backend)
	}
	return nil
}

func (a *App) buildVectors() error {
	cfg := a.Config
	switch cfg.Vector.Backend {
	case "", "memory":
		a.Vectors = vectorstore.NewMemoryStore(a.Embedder)
	case "pgvector":
		pgCfg := pgvector.Config{
			DSN:          cfg.Vector.DSN,
			Dimension:    cfg.Vector.Dimension,
			EnsureSchema: true,
		}
		// Share the relational pool when both live in the same Postgres.
		if pgCfg.DSN == "" && a.Stores.Dialect == storage.DialectPostgres {
			pgCfg.DB = a.Stores.DB
		}
		store, err := pgvector.New(pgCfg, a.Embedder)
		if err != nil {
			return fmt.Errorf("create pgvector store: %w", err)
		}
		a.Vectors = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	default:
		return fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
	return nil
}

func (a *App) buildFiles(ctx context.Context) error {
	cfg := a.Config.Files
	var store files.Store
	switch cfg.Backend {
	case "", "local":
		local, err := files.NewLocalStore(cfg.Path)
		if err != nil {
			return fmt.Errorf("create file store: %w", err)
		}
		store = local
	case "s3":
		s3, err := files.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("create s3 file store: %w", err)
		}
		store = s3
	default:
		return fmt.Errorf("unknown files backend %q", cfg.Backend)
	}
	a.Files = files.NewService(store, a.Stores.UploadFiles)
	return nil
}

func newEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	e := cfg.Embeddings
	switch e.Provider {
	case "", "hashing":
		return hashing.New(hashing.Config{Dimension: e.Dimension}), nil
	case "openai":
		apiKey := e.APIKey
		if apiKey == "" {
			apiKey = cfg.LLM.APIKey
		}
		p, err := embopenai.New(embopenai.Config{APIKey: apiKey, BaseURL: e.BaseURL, Model: e.Model})
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return p, nil
	case "ollama":
		p, err := ollama.New(ollama.Config{BaseURL: e.BaseURL, Model: e.Model})
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", e.Provider)
	}
}

func newProvider(ctx context.Context, cfg config.LLMConfig) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "", "openai":
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		return p, nil
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create anthropic provider: %w", err)
		}
		return p, nil
	case "gemini":
		p, err := providers.NewGeminiProvider(providers.GeminiConfig{
			APIKey:       cfg.APIKey,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini provider: %w", err)
		}
		return p, nil
	case "bedrock":
		p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			MaxRetries:      cfg.MaxRetries,
			RetryDelay:      cfg.RetryDelay,
			DefaultModel:    cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create bedrock provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

var _ server.AgentFactory = (*App)(nil)

// NewAgent builds the agent for one turn of the configured app. Each call
// gets its own tool registry so per-app bindings never leak across apps.
func (a *App) NewAgent(appID, userID, invokeFrom string) (*agent.FunctionCallAgent, error) {
	app, ok := a.Config.Apps[appID]
	if !ok {
		return nil, fmt.Errorf("app %q: %w", appID, storage.ErrNotFound)
	}
	if a.Provider == nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrNoProvider, a.providerErr)
	}

	registry := agent.NewToolRegistry()
	if err := builtin.Register(registry); err != nil {
		return nil, err
	}
	keys, err := app.ToolKeys()
	if err != nil {
		return nil, err
	}
	if len(app.DatasetIDs) > 0 {
		key := agent.ToolKey{Provider: "dataset", Name: agent.DatasetRetrievalToolName}
		tool := ragtool.NewDatasetRetrievalTool(a.Retrieval, a.appRetrieval(appID, app))
		if err := registry.Register(key, agent.ToolKindDataset, tool); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	cfg := agent.AgentConfig{
		UserID:               userID,
		InvokeFrom:           invokeFrom,
		SystemPrompt:         a.Config.Agent.SystemPrompt,
		PresetPrompt:         app.PresetPrompt,
		EnableLongTermMemory: app.LongTermMemory,
		Tools:                keys,
		MaxIterationCount:    a.Config.Agent.MaxIterationCount,
		Model:                app.Model,
		MaxTokens:            a.Config.Agent.MaxTokens,
		Review:               app.Review,
	}
	if app.MaxIterationCount != nil {
		cfg.MaxIterationCount = app.MaxIterationCount
	}
	if cfg.Model == "" {
		cfg.Model = a.Config.LLM.Model
	}

	fc, err := agent.NewFunctionCallAgent(cfg, a.Provider, registry, a.Queue)
	if err != nil {
		return nil, err
	}
	return fc.WithLogger(a.Logger.Component("agent").With("app_id", appID)).
		WithMetrics(a.Metrics).
		WithTracer(a.Tracer), nil
}

// appRetrieval fills unset app retrieval settings from the global ones.
func (a *App) appRetrieval(appID string, app config.AppConfig) ragtool.DatasetRetrievalConfig {
	r := app.Retrieval
	if r.Strategy == "" {
		r.Strategy = a.Config.Retrieval.Strategy
	}
	if r.K == 0 {
		r.K = a.Config.Retrieval.K
	}
	if r.ScoreThreshold == 0 {
		r.ScoreThreshold = a.Config.Retrieval.ScoreThreshold
	}
	accountID := app.AccountID
	if accountID == "" {
		accountID = "default"
	}
	return ragtool.DatasetRetrievalConfig{
		AccountID:      accountID,
		AppID:          appID,
		DatasetIDs:     app.DatasetIDs,
		Strategy:       r.Strategy,
		K:              r.K,
		ScoreThreshold: r.ScoreThreshold,
	}
}

// Handler returns the HTTP API backed by this app.
func (a *App) Handler() (http.Handler, error) {
	return server.NewHandler(&server.Config{
		Agents:        a,
		Queue:         a.Queue,
		Conversations: a.Conversations,
		Files:         a.Files,
		Datasets:      a.Datasets,
		Documents:     a.Documents,
		Retrieval:     a.Retrieval,
		RateLimiter:   ratelimit.NewLimiter(a.Config.Server.RateLimit),
		Gatherer:      a.Registry,
		Metrics:       a.Metrics,
		Logger:        a.Logger.Component("http"),
	})
}

// Start runs the background workers and the scheduler. When serve is true
// it also listens on the configured address; listener errors are sent on
// the returned channel.
func (a *App) Start(ctx context.Context, serve bool) (<-chan error, error) {
	errCh := make(chan error, 1)
	var startErr error
	a.startOnce.Do(func() {
		if a.executor != nil {
			a.executor.Start(ctx)
		}
		a.scheduler.Start(ctx)
		if !serve {
			return
		}

		handler, err := a.Handler()
		if err != nil {
			startErr = err
			return
		}
		a.httpSrv = &http.Server{
			Addr:              a.Config.Server.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		}
		go func() {
			a.Logger.Info("http server listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	})
	return errCh, startErr
}

// Stop drains the HTTP server and the workers, then releases resources.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
			}
		}
		if a.executor != nil {
			if err := a.executor.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("executor stop: %w", err))
			}
		}
		if err := a.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Close releases storage, vector and tracing resources in reverse order of
// creation. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}


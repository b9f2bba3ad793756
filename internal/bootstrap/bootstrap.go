package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/corpus-chat/internal/config"
	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
	"github.com/kirillkom/corpus-chat/internal/core/usecase"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/cache"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/chunking"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/extractor"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/extractor/xlsx"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/queue/nats"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/repository/redis"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/resilience"
	"github.com/kirillkom/corpus-chat/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/corpus-chat/internal/observability/metrics"
)

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type App struct {
	Config   config.Config
	Registry *prometheus.Registry

	Events     *nats.EventBus
	Corpus     *usecase.CorpusUseCase
	Operations *usecase.QueueManager
	Scope      *usecase.ScopeUseCase
	Chat       *usecase.ChatUseCase

	db      *sql.DB
	closeFn func()
}

// New wires every adapter behind the core usecases. service labels the
// process in metrics.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	documents := postgres.NewDocumentRepository(db)
	sessions := postgres.NewSessionRepository(db)

	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	scopeStore, redisClient, err := newScopeStore(cfg, db)
	if err != nil {
		closeAll()
		return nil, err
	}
	if redisClient != nil {
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	coreMetrics := metrics.NewCoreMetrics(registry, service)

	executor := resilience.NewExecutor(resilience.ProviderConfig().Merge(resilience.Config{
		RetryMaxAttempts:   cfg.ProviderRetryAttempts,
		BreakerOpenTimeout: time.Duration(cfg.ProviderBreakerOpenSeconds) * time.Second,
	})).WithStateObserver(coreMetrics.ObserveBreakerState)
	busExecutor := resilience.NewExecutor(resilience.EventBusConfig()).
		WithStateObserver(coreMetrics.ObserveBreakerState)

	events, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: busExecutor,
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	closers = append(closers, events.Close)

	router := extractor.NewRouter(plaintext.NewExtractor(storage)).
		Register(pdf.NewExtractor(storage), "application/pdf", ".pdf").
		Register(xlsx.NewExtractor(storage), xlsxMimeType, ".xlsx")
	textExtractor := cache.NewCachedExtractor(router, time.Duration(cfg.ExtractCacheTTLSeconds)*time.Second)
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaChatModel, cfg.OllamaEmbedModel, executor)
	provider := ollama.NewChatProvider(ollamaClient)
	scorer := newScorer(cfg, ollama.NewEmbedder(ollamaClient))

	corpusUC := usecase.NewCorpusUseCase(documents, storage, cfg.CorpusMaxUploadBytes).
		WithContentCache(textExtractor)
	scopeUC := usecase.NewScopeUseCase(scopeStore, corpusUC)
	operations := usecase.NewQueueManager(
		corpusUC,
		scopeUC,
		cache.NewOperationResults(time.Duration(cfg.OperationResultTTL)*time.Second),
		events,
		coreMetrics,
		time.Duration(cfg.OperationTimeoutSecs)*time.Second,
	)
	retrievalUC := usecase.NewRetrievalUseCase(documents, textExtractor, chunker, scorer, domain.RetrievalLimits{
		TopK:              cfg.RetrievalTopK,
		InputBudgetTokens: cfg.RetrievalInputBudgetTokens,
		Concurrency:       cfg.RetrievalConcurrency,

		PromptOverheadTokens: ollama.PromptOverheadTokens(),
	}, coreMetrics)
	chatUC := usecase.NewChatUseCase(sessions, retrievalUC, provider, domain.ChatLimits{
		HistoryTurns:    cfg.ChatHistoryTurns,
		ProviderTimeout: time.Duration(cfg.ProviderTimeoutSeconds) * time.Second,
	}, coreMetrics)

	slog.Info("bootstrap_ready",
		"service", service,
		"scope_backend", cfg.ScopeBackend,
		"retrieval_scorer", scorer.Name(),
	)

	return &App{
		Config:   cfg,
		Registry: registry,

		Events:     events,
		Corpus:     corpusUC,
		Operations: operations,
		Scope:      scopeUC,
		Chat:       chatUC,

		db:      db,
		closeFn: closeAll,
	}, nil
}

func newScopeStore(cfg config.Config, db *sql.DB) (ports.ScopeStore, *goredis.Client, error) {
	if cfg.ScopeBackend != "redis" {
		return postgres.NewScopeRepository(db), nil, nil
	}
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init redis: %w", err)
	}
	return redis.NewScopeStore(client, cfg.RedisPrefix), client, nil
}

func newScorer(cfg config.Config, embedder ports.Embedder) ports.PassageScorer {
	switch cfg.RetrievalScorer {
	case "embedding":
		return usecase.NewEmbeddingScorer(embedder)
	case "hybrid":
		return usecase.NewHybridScorer(cfg.RetrievalFusionRRFK, usecase.NewLexicalScorer(), usecase.NewEmbeddingScorer(embedder))
	default:
		return usecase.NewLexicalScorer()
	}
}

// Ready reports whether the metadata store is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

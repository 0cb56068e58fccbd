package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/pagerag/internal/auth"
	"github.com/knoguchi/pagerag/internal/config"
	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/embedder"
	"github.com/knoguchi/pagerag/internal/generator"
	"github.com/knoguchi/pagerag/internal/llm"
	"github.com/knoguchi/pagerag/internal/memory"
	"github.com/knoguchi/pagerag/internal/prompt"
	"github.com/knoguchi/pagerag/internal/rasterizer"
	"github.com/knoguchi/pagerag/internal/repository/postgres"
	"github.com/knoguchi/pagerag/internal/reranker"
	"github.com/knoguchi/pagerag/internal/retrieval"
	"github.com/knoguchi/pagerag/internal/server"
	"github.com/knoguchi/pagerag/internal/service"
	"github.com/knoguchi/pagerag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting pagerag service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"reranker", cfg.RerankerProvider,
	)

	// The generator is acquired once, before anything else, so a missing
	// accelerator stops start-up instead of surfacing on the first question.
	genClient := generator.NewClient(generator.Config{
		BaseURL: cfg.GeneratorURL,
		Model:   cfg.GeneratorModel,
		Logger:  slog.Default(),
	})
	acquireCtx, acquireCancel := context.WithTimeout(ctx, time.Minute)
	info, err := generator.Acquire(acquireCtx, genClient, cfg.RequireAccelerator)
	acquireCancel()
	if err != nil {
		return fmt.Errorf("failed to acquire generator: %w", err)
	}
	slog.Info("acquired generator", "model", info.Model, "device", info.Device)

	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant")

	embed := embedder.NewServerEmbedder(embedder.ServerConfig{
		BaseURL:     cfg.EmbedderURL,
		Model:       cfg.EmbedderModel,
		BatchSize:   cfg.EmbedderBatchSize,
		Concurrency: cfg.EmbedderConcurrency,
	})
	slog.Info("initialized page embedder", "model", embed.ModelName(), "dimension", embed.Dimension())

	// The index and the indexer share one memo so each upload is rendered once per pass.
	raster := rasterizer.NewMemo(rasterizer.NewPoppler(rasterizer.PopplerConfig{
		PdftoppmPath: cfg.PdftoppmPath,
		DPI:          cfg.RasterDPI,
		MaxDimension: cfg.PageMaxDim,
	}))
	index := retrieval.NewMultimodalIndex(raster, embed, vectorStore, retrieval.WithLogger(slog.Default()))

	scorer, err := newScorer(cfg)
	if err != nil {
		return err
	}

	assemblerOpts := []prompt.Option{}
	if !cfg.PromptWrapQuery {
		assemblerOpts = append(assemblerOpts, prompt.WithRawQuery())
	}

	registry := document.NewRegistry()
	session := &service.Session{
		Index:     index,
		Registry:  registry,
		Reranker:  reranker.New(scorer),
		Assembler: prompt.NewAssembler(assemblerOpts...),
		Generator: generator.New(genClient),
	}

	history := memory.NewStore(cfg.HistoryMaxEntries, cfg.HistoryTTL)
	defer history.Close()

	pipeline := service.NewPipeline(session, service.PipelineConfig{
		DefaultTopK:         cfg.DefaultTopK,
		MaxTopK:             cfg.MaxTopK,
		CandidateMultiplier: cfg.RerankCandidateMultiplier,
		MaxNewTokens:        cfg.MaxNewTokens,
	}, service.WithLogger(slog.Default()), service.WithHistory(history))

	indexerOpts := []service.IndexerOption{service.WithIndexerLogger(slog.Default())}
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		indexerOpts = append(indexerOpts, service.WithRunRepository(postgres.NewIndexRunRepo(db)))
		slog.Info("connected to PostgreSQL, recording index runs")
	}

	indexer := service.NewIndexer(index, raster, registry, service.IndexerConfig{
		IndexName:   cfg.IndexName,
		Concurrency: cfg.RasterConcurrency,
		DropGrace:   cfg.IndexDropGrace,
	}, indexerOpts...)

	apiKey := auth.NewAPIKeyInterceptor(cfg.APIKey)
	var pageLinks *auth.PageLinkSigner
	if apiKey.Enabled() {
		linkCfg := auth.DefaultPageLinkConfig(cfg.PageLinkSecret)
		linkCfg.Expiry = cfg.PageLinkExpiry
		pageLinks = auth.NewPageLinkSigner(linkCfg)
		apiKey.WithPageLinks(pageLinks)
	} else {
		slog.Warn("API_KEY is not set, the API is unauthenticated")
	}

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
		Auth:   apiKey,
	}, registry)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		MaxConnections: cfg.MaxConnections,
		AskRateLimit:   cfg.AskRateLimit,
		AskRateBurst:   cfg.AskRateBurst,
		QueryTimeout:   cfg.QueryTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Auth:           apiKey,
		PageLinks:      pageLinks,
	}, server.Handlers{
		Pipeline: pipeline,
		Indexer:  indexer,
		Registry: registry,
	})

	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// newScorer builds the configured rerank scorer. A nil scorer disables reranking.
func newScorer(cfg *config.Config) (reranker.Scorer, error) {
	if !cfg.RerankEnabled() {
		slog.Info("reranking disabled")
		return nil, nil
	}

	switch cfg.RerankerProvider {
	case config.RerankerMonoVLM:
		slog.Info("initialized MonoVLM reranker", "url", cfg.RerankerURL, "model", cfg.RerankerModel)
		return reranker.NewHTTPScorer(cfg.RerankerURL, reranker.WithScorerModel(cfg.RerankerModel)), nil
	case config.RerankerLLM:
		client := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaRerankModel),
		)
		slog.Info("initialized vision LLM reranker", "model", client.Model())
		return reranker.NewLLMScorer(client), nil
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", cfg.RerankerProvider)
	}
}

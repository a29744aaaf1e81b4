package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/api"
	"github.com/medical-coding-server/internal/config"
	"github.com/medical-coding-server/internal/database"
	"github.com/medical-coding-server/internal/domain"
	"github.com/medical-coding-server/internal/feedback"
	"github.com/medical-coding-server/internal/kb"
	"github.com/medical-coding-server/internal/pipeline"
	"github.com/medical-coding-server/internal/rerank"
	"github.com/medical-coding-server/internal/retrieval"
	"github.com/medical-coding-server/pkg/external"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting medical coding server")

	// Knowledge base is mandatory; without it there is nothing to search.
	kbStore, err := kb.Load(cfg.KB.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load knowledge base")
	}
	logger.WithField("records", kbStore.Len()).Info("Knowledge base loaded")

	// The vector path needs both the embeddings file and an encoder service.
	// Either one missing means every request takes the lexical fallback.
	var index domain.VectorIndex
	if cfg.KB.EmbeddingsPath != "" {
		loaded, err := retrieval.LoadIndex(cfg.KB.EmbeddingsPath)
		if err != nil {
			logger.WithError(err).Warn("Failed to load vector index, semantic retrieval disabled")
		} else {
			index = loaded
			logger.WithField("dim", loaded.Dim()).Info("Vector index loaded")
		}
	}

	var encoder domain.Encoder
	if cfg.Retrieval.EncoderURL != "" {
		encoder = external.NewEncoderClient(cfg.Retrieval)
	}

	retriever, err := retrieval.NewRetriever(kbStore, index, encoder, cfg.Retrieval, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create retriever")
	}

	var scorer domain.PairScorer
	if cfg.Rerank.ScorerURL != "" {
		scorer = external.NewCrossEncoderClient(cfg.Rerank, logger)
	}
	reranker := rerank.NewReranker(scorer, cfg.Rerank, logger)

	assembler := pipeline.NewAssembler(kbStore, logger)
	checker := pipeline.NewChecker(cfg.Guardrails, logger)
	policy := pipeline.NewConfidencePolicy(cfg.Confidence)

	providers := map[domain.ProviderMode]domain.GroundingProvider{
		domain.ProviderMock: pipeline.NewOfflineEngine(policy, logger),
	}
	if cfg.LLM.BaseURL != "" {
		llmClient := external.NewLLMClient(cfg.LLM, logger)
		providers[domain.ProviderExternal] = pipeline.NewLLMGrounder(llmClient, policy, cfg.LLM, logger)
	}

	mode := domain.ProviderMode(cfg.LLM.Provider)
	if !mode.IsValid() {
		mode = domain.ProviderMock
	}
	defaultProvider, ok := providers[mode]
	if !ok {
		logger.WithField("provider", mode.String()).Warn("Configured provider unavailable, using offline engine")
		mode = domain.ProviderMock
		defaultProvider = providers[mode]
	}

	orchestrator := pipeline.NewOrchestrator(retriever, reranker, assembler, checker, defaultProvider, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedbackStore, feedbackDB := newFeedbackStore(ctx, configManager, logger)
	if feedbackStore != nil {
		defer feedbackStore.Close()
	}
	if feedbackDB != nil {
		defer feedbackDB.Close()
	}

	var resultCache *external.ResultCache
	if cfg.Cache.Enabled {
		resultCache, err = external.NewResultCache(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Result cache unavailable, continuing without caching")
			resultCache = nil
		} else {
			defer resultCache.Close()
		}
	}

	serverOpts := api.Options{
		Config:       *cfg,
		Orchestrator: orchestrator,
		KB:           kbStore,
		KBReload:     kbStore,
		VectorReady:  retriever.VectorEnabled(),
		ProviderMode: mode,
		Providers:    providers,
		Feedback:     feedbackStore,
		Cache:        resultCache,
		Logger:       logger,
	}
	if feedbackDB != nil {
		serverOpts.Database = feedbackDB
	}
	server := api.NewServer(serverOpts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// newFeedbackStore opens the configured feedback backend. Feedback is a
// supporting feature, so any failure here logs a warning and the server
// runs without it. For the postgres backend the returned pool backs the
// store and is also surfaced in the health endpoint; the caller owns both.
func newFeedbackStore(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) (feedback.Store, *database.DB) {
	cfg := configManager.GetConfig()

	switch cfg.Feedback.Backend {
	case "postgres":
		databaseURL := configManager.GetDatabaseConnectionString()
		if cfg.Database.MigrationsPath != "" {
			runner, err := database.NewMigrationRunner(databaseURL, cfg.Database.MigrationsPath, logger)
			if err != nil {
				logger.WithError(err).Warn("Failed to create migration runner, feedback disabled")
				return nil, nil
			}
			defer runner.Close()
			if err := runner.Up(); err != nil {
				logger.WithError(err).Warn("Failed to run migrations, feedback disabled")
				return nil, nil
			}
		}
		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to postgres, feedback disabled")
			return nil, nil
		}
		store, err := feedback.NewPostgresStore(db.SQLDB())
		if err != nil {
			db.Close()
			logger.WithError(err).Warn("Failed to open postgres feedback store, feedback disabled")
			return nil, nil
		}
		return store, db
	case "sqlite":
		store, err := feedback.NewSQLiteStore(cfg.Feedback.SQLitePath)
		if err != nil {
			logger.WithError(err).Warn("Failed to open sqlite feedback store, feedback disabled")
			return nil, nil
		}
		return store, nil
	default:
		logger.Info("No feedback backend configured")
		return nil, nil
	}
}

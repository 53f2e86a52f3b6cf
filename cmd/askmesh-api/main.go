package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askmesh/askmesh/internal/api"
	"github.com/askmesh/askmesh/internal/auth"
	catalogpostgres "github.com/askmesh/askmesh/internal/catalog/postgres"
	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/jobstore"
	"github.com/askmesh/askmesh/internal/nl2sql"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/orchestrator"
	"github.com/askmesh/askmesh/internal/retrieval"
	s3store "github.com/askmesh/askmesh/internal/storage/s3"
	"github.com/askmesh/askmesh/internal/validation"
	duckdbvalidation "github.com/askmesh/askmesh/internal/validation/duckdb"
)

func main() {
	cfg, err := config.LoadFromEnv("askmesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		ConnectTimeout:  cfg.Catalog.ConnectTimeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	validator, err := duckdbvalidation.NewValidator(objectStore, validation.NewCatalogDatasets(catalogRepo), duckdbvalidation.Config{
		CacheDir:     cfg.Validation.CacheDir,
		FetchTimeout: cfg.Validation.FetchTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize sql validator", slog.Any("error", err))
		os.Exit(1)
	}

	llm, err := nl2sql.NewClient(nl2sql.Config{
		BaseURL:        cfg.AI.BaseURL,
		APIKey:         cfg.AI.APIKey,
		Model:          cfg.AI.Model,
		Temperature:    cfg.AI.Temperature,
		Timeout:        cfg.Ask.CallTimeout,
		RateLimitRPS:   cfg.AI.RateLimitRPS,
		RateLimitBurst: cfg.AI.RateLimitBurst,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}
	generator, err := nl2sql.NewGenerator(llm, cfg.AI.Candidates, logger)
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}

	retriever := retrieval.NewCatalogRetriever(catalogRepo, 0)
	jobs := jobstore.New(jobstore.Config{
		TTL:           cfg.Ask.JobTTL,
		MaxJobs:       cfg.Ask.MaxJobs,
		SweepInterval: cfg.Ask.SweepInterval,
	}, jobstore.WithLogger(logger))

	orchDeps := orchestrator.Dependencies{
		Store:     jobs,
		Retriever: retriever,
		Generator: generator,
		Validator: validator,
		Logger:    logger,
	}
	if cfg.AI.ClassifyEnabled {
		classifier, err := nl2sql.NewClassifier(llm, retriever)
		if err != nil {
			logger.Error("failed to initialize intent classifier", slog.Any("error", err))
			os.Exit(1)
		}
		orchDeps.Classifier = classifier
	}
	if cfg.Ask.RecordAnswers {
		orchDeps.Recorder = retrieval.NewPairRecorder(catalogRepo)
	}
	orch, err := orchestrator.New(orchestrator.Config{
		TopK:                  cfg.Ask.TopK,
		ScoreThreshold:        cfg.Ask.ScoreThreshold,
		MaxCorrectionAttempts: cfg.Ask.MaxCorrectionAttempts,
		JobTimeout:            cfg.Ask.JobTimeout,
		CallTimeout:           cfg.Ask.CallTimeout,
		ValidationRetries:     cfg.Ask.ValidationRetries,
		ValidationBackoff:     cfg.Ask.ValidationBackoff,
		ValidationConcurrency: cfg.AI.Candidates,
	}, orchDeps)
	if err != nil {
		logger.Error("failed to initialize orchestrator", slog.Any("error", err))
		os.Exit(1)
	}
	dispatcher := orchestrator.NewDispatcher(orch, logger,
		orchestrator.WithWorkers(cfg.Ask.Workers),
		orchestrator.WithQueueSize(cfg.Ask.QueueSize),
	)

	deps := api.Dependencies{
		Logger: logger,
		Asks:   orchestrator.NewService(jobs, dispatcher, logger),
		Readiness: api.CombineReadinessChecks(
			api.CheckCatalog(catalogRepo),
			api.CheckObjectStore(cfg, objectStore),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("api key auth enabled", slog.Any("tenants", keys.Tenants()))
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		if err := jobs.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job sweeper stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		exitCode = 1
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("ask queue shutdown failed", slog.Any("error", err))
		exitCode = 1
	}
	stopSweep()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

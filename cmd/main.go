package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yungbote/studyforge-backend/internal/config"
	"github.com/yungbote/studyforge-backend/internal/db"
	"github.com/yungbote/studyforge-backend/internal/handlers"
	"github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/jobs/worker"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/pipeline"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/retry"
	"github.com/yungbote/studyforge-backend/internal/server"
	"github.com/yungbote/studyforge-backend/internal/services"
)

func main() {
	_ = godotenv.Load()

	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(cfg, log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	unitRepo := repos.NewContentUnitRepo(thePG, log)
	fileRepo := repos.NewSourceFileRepo(thePG, log)
	chunkRepo := repos.NewContentChunkRepo(thePG, log)
	artifactRepo := repos.NewStudyArtifactRepo(thePG, log)
	jobRepo := repos.NewJobRepo(thePG, log)

	// Shared retry policy: the job store schedules re-runs with it and
	// every external client retries in-process with it.
	policy := retry.Policy{
		MaxAttempts: cfg.ClientRetries,
		Base:        cfg.RetryBase,
		Multiplier:  2,
		Cap:         cfg.RetryCap,
		Jitter:      cfg.RetryJitter,
	}

	// Services
	log.Info("Setting up services from main...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucketService, err := services.NewBucketService(ctx, log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	aiClient, err := services.NewAIClient(cfg, log, policy)
	if err != nil {
		log.Error("Could not init AIClient", "error", err)
		os.Exit(1)
	}
	speechService, err := services.NewTranscriptionService(ctx, log)
	if err != nil {
		log.Warn("Could not init TranscriptionService, audio extraction disabled", "error", err)
		speechService = nil
	}
	ocrService, err := services.NewOCRService(ctx, log)
	if err != nil {
		log.Warn("Could not init OCRService, image extraction disabled", "error", err)
		ocrService = nil
	}
	notifier := services.NewPipelineNotifier(log, cfg.RedisAddr, cfg.RedisPassword, cfg.EventChannel)

	// Pipeline
	log.Info("Setting up pipeline from main...")
	embedder := pipeline.NewEmbedder(log, chunkRepo, aiClient, cfg.EmbedBatchSize, cfg.EmbedParallelism, cfg.EmbedDim)
	matcher := pipeline.NewFocusMatcher(log, chunkRepo, embedder, cfg.FocusFloor, cfg.FocusK, cfg.FocusTopK, cfg.FocusMaxMatches)
	gates := pipeline.NewGateEvaluator(log, jobRepo, unitRepo, artifactRepo, notifier, cfg.MaxAttempts)
	ingestor := pipeline.NewIngestor(log, unitRepo, fileRepo, chunkRepo, artifactRepo, jobRepo, bucketService, cfg.MaxAttempts)

	registry := runtime.NewRegistry()
	mustRegister := func(h runtime.Handler) {
		if err := registry.Register(h); err != nil {
			log.Error("Handler registration failed", "error", err)
			os.Exit(1)
		}
	}
	mustRegister(pipeline.NewExtractHandler(log, fileRepo, chunkRepo, bucketService, speechService, ocrService, cfg.ChunkMaxChars, cfg.MaxAttempts))
	mustRegister(pipeline.NewEmbedHandler(log, embedder))
	mustRegister(pipeline.NewSegmentHandler(log, jobRepo, chunkRepo, matcher, aiClient, cfg.MaxAttempts))
	mustRegister(pipeline.NewAnalyzeHandler(log, chunkRepo, artifactRepo, aiClient, cfg.SummaryBatchMaxChars, cfg.SummaryBatchOverlap))
	mustRegister(pipeline.NewQuizHandler(log, artifactRepo, aiClient))
	mustRegister(pipeline.NewAggregateHandler(log, unitRepo, artifactRepo))

	// Worker pool
	pool := worker.New(thePG, log, jobRepo, unitRepo, registry, notifier, gates, worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		ClaimInterval: cfg.ClaimInterval,
		LeaseWindow:   cfg.LeaseWindow,
		SweepInterval: cfg.SweepInterval,
		Ceilings:      cfg.Ceilings(),
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.RetryBase,
			Multiplier:  2,
			Cap:         cfg.RetryCap,
			Jitter:      cfg.RetryJitter,
		},
	})
	pool.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	unitHandler := handlers.NewUnitHandler(ingestor, unitRepo, fileRepo, jobRepo, artifactRepo)
	jobHandler := handlers.NewJobHandler(jobRepo)

	// Router
	router := server.NewRouter(server.RouterConfig{
		UnitHandler: unitHandler,
		JobHandler:  jobHandler,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("Shutdown signal received, draining workers...")
		cancel()
	}()

	fmt.Printf("Server listening on :%s\n", cfg.HTTPPort)
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		log.Error("Server failed", "error", err)
	}
	cancel()
	pool.Wait()
}

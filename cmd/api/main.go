// Command api serves the matter-scoped document analysis API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/api/rest"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/ai"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/cache"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/database"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/events"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/objectstore"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/service/citeverify"
	"github.com/matterdock/matterdock-backend/internal/service/globalsearch"
	"github.com/matterdock/matterdock-backend/internal/service/guard"
	"github.com/matterdock/matterdock-backend/internal/service/jobs"
	"github.com/matterdock/matterdock-backend/internal/service/mattermemory"
	"github.com/matterdock/matterdock-backend/internal/service/ocrvalidate"
	"github.com/matterdock/matterdock-backend/internal/service/orchestrator"
	"github.com/matterdock/matterdock-backend/internal/service/search"
	"github.com/matterdock/matterdock-backend/internal/service/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, "")

	zlog, err := newZapLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx := context.Background()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = cfg.Version
	telCfg.Environment = cfg.Environment
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telCfg.Enabled = cfg.Telemetry.OTLPEndpoint != ""
	telCfg.SamplingRate = cfg.Telemetry.SampleRate
	provider, err := telemetry.InitializeOpenTelemetry(ctx, telCfg)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}

	pool, err := database.NewConnectionPool(&cfg.Database, zlog)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	db := pool.Pool()

	kv, err := cache.NewRedisKV(&cfg.Redis, zlog)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	broker, err := events.NewRedisBroker(&cfg.Redis, zlog)
	if err != nil {
		log.Fatalf("failed to connect event broker: %v", err)
	}

	blobs, err := objectstore.NewMinioStore(ctx, &cfg.ObjectStore, zlog)
	if err != nil {
		log.Fatalf("failed to connect object store: %v", err)
	}

	model := ai.NewClient(cfg.AI, zlog)

	matterRepo := database.NewMatterRepository(db)
	documentRepo := database.NewDocumentRepository(db)
	retriever := database.NewChunkRetriever(db)
	citationRepo := database.NewCitationRepository(db)
	entityRepo := database.NewEntityRepository(db)
	timelineRepo := database.NewTimelineRepository(db)
	findingRepo := database.NewFindingRepository(db)
	jobRepo := database.NewJobRepository(db)
	historyRepo := database.NewHistoryRepository(db)
	reviewRepo := database.NewReviewRepository(db)

	queryCache := cache.NewQueryCache(kv, zlog)
	sessions := cache.NewSessionStore(kv, zlog)

	engine := search.NewEngine(model, retriever, retriever, zlog).
		WithEmbedMemo(search.NewEmbedMemo(kv, zlog))
	var reranked *search.RerankedEngine
	var searcher rest.Searcher = engine
	if cfg.Search.RerankEnabled {
		reranked = search.NewRerankedEngine(engine, model, cfg.Search.RerankTopN, zlog)
		searcher = reranked
	}
	inspector := search.NewInspector(engine, reranked)

	memory := mattermemory.New(historyRepo, historyRepo, timelineRepo, entityRepo, queryCache, zlog)

	legs := []orchestrator.Engine{
		orchestrator.NewSearchLeg(searcher, cfg.Search.DefaultLimit),
		orchestrator.NewTimelineLeg(timelineRepo),
		orchestrator.NewEntityLeg(entityRepo),
		orchestrator.NewCitationLeg(citationRepo),
	}
	orch := orchestrator.New(
		guard.New(zlog), legs, model, sessions, queryCache, memory, broker, zlog,
	).WithTokenDelay(cfg.Stream.TokenDelay)

	global := globalsearch.New(matterRepo, searcher, zlog)
	workflow := verification.New(findingRepo, zlog)
	tracker := jobs.New(jobRepo, broker, zlog)
	reviewQueue := ocrvalidate.NewReviewQueue(reviewRepo, reviewRepo, zlog)
	batch := citeverify.NewBatch(
		citeverify.NewVerifier(documentRepo, zlog), citationRepo, broker, zlog,
	).WithBackoff(cfg.Verify.Backoff)

	handler := rest.NewHandler(rest.Deps{
		Matters:   matterRepo,
		Documents: documentRepo,
		Blobs:     blobs,
		Searcher:  searcher,
		Inspector: inspector,
		Global:    global,
		Streamer:  orch,
		Memory:    memory,
		Verify:    workflow,
		Jobs:      tracker,
		Review:    reviewQueue,
		Citations: citationRepo,
		Batch:     batch,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	handler.Routes(mux)

	fanout := events.NewFanout(broker, events.DefaultFanoutConfig(), zlog)
	handler.WithEventFanout(mux, fanout)

	rest.NewHealthHandler(map[string]rest.Pinger{
		"database": pool,
		"redis":    kv,
	}).Routes(mux)
	if cfg.Telemetry.MetricsEnabled {
		rest.MetricsRoutes(mux)
	}

	server := rest.NewServer(&cfg.Server, mux, logger)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			zlog.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server drain incomplete", zap.Error(err))
	}
	if err := fanout.Close(); err != nil {
		zlog.Warn("websocket fanout close failed", zap.Error(err))
	}
	if err := broker.Close(); err != nil {
		zlog.Warn("broker close failed", zap.Error(err))
	}
	if err := kv.Close(); err != nil {
		zlog.Warn("redis close failed", zap.Error(err))
	}
	pool.Close()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

func newZapLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

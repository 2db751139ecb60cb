// Command worker consumes the per-matter job queues: OCR, extraction,
// and citation verification.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/ai"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/cache"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/database"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/events"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/objectstore"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/pdfcut"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/service/citextract"
	"github.com/matterdock/matterdock-backend/internal/service/citeverify"
	"github.com/matterdock/matterdock-backend/internal/service/entitygraph"
	"github.com/matterdock/matterdock-backend/internal/service/jobs"
	"github.com/matterdock/matterdock-backend/internal/service/mattermemory"
	"github.com/matterdock/matterdock-backend/internal/service/ocrmerge"
	"github.com/matterdock/matterdock-backend/internal/service/ocrvalidate"
	"github.com/matterdock/matterdock-backend/internal/service/pdfsplit"
	tlextract "github.com/matterdock/matterdock-backend/internal/service/timeline"
	"github.com/matterdock/matterdock-backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := newZapLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx := context.Background()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = "matterdock-worker"
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
	ocr := ai.NewOcrClient(cfg.AI, zlog)

	documentRepo := database.NewDocumentRepository(db)
	citationRepo := database.NewCitationRepository(db)
	entityRepo := database.NewEntityRepository(db)
	timelineRepo := database.NewTimelineRepository(db)
	jobRepo := database.NewJobRepository(db)
	historyRepo := database.NewHistoryRepository(db)
	reviewRepo := database.NewReviewRepository(db)

	queryCache := cache.NewQueryCache(kv, zlog)
	memory := mattermemory.New(historyRepo, historyRepo, timelineRepo, entityRepo, queryCache, zlog)

	splitter := pdfsplit.New(pdfcut.NewExecExtractor("", zlog), zlog, pdfsplit.Options{
		ChunkPages:      cfg.OCR.ChunkPages,
		MemoryBudget:    cfg.OCR.MemoryBudgetBytes,
		WatchdogTimeout: cfg.OCR.SplitTimeout,
	})
	validator := ocrvalidate.New(model, zlog).
		WithThresholds(cfg.OCR.LLMThreshold, cfg.OCR.HumanThreshold)
	reviewQueue := ocrvalidate.NewReviewQueue(reviewRepo, reviewRepo, zlog)

	tracker := jobs.New(jobRepo, broker, zlog)
	batch := citeverify.NewBatch(
		citeverify.NewVerifier(documentRepo, zlog), citationRepo, broker, zlog,
	).WithBackoff(cfg.Verify.Backoff)

	pipeline := worker.NewPipeline(worker.PipelineDeps{
		Documents:              documentRepo,
		Blobs:                  blobs,
		Splitter:               splitter,
		OCR:                    ocr,
		Merger:                 ocrmerge.New(zlog),
		Validator:              validator,
		Reviews:                reviewQueue,
		Embedder:               model,
		Citations:              citationRepo,
		Extract:                citextract.New(model, zlog),
		Entities:               entitygraph.New(model, entityRepo, zlog),
		Timeline:               tlextract.New(model, entityRepo, zlog),
		Timelines:              timelineRepo,
		Caches:                 memory,
		Batch:                  batch,
		Tracker:                tracker,
		Logger:                 zlog,
		LowConfidenceThreshold: cfg.OCR.LLMThreshold,
	})

	w := worker.New(jobRepo, historyRepo, broker, tracker, worker.Config{}, zlog)
	w.Register(job.TypeOCR, pipeline.ProcessOCR)
	w.Register(job.TypeCitationExtraction, pipeline.ExtractCitations)
	w.Register(job.TypeEntityExtraction, pipeline.ExtractEntities)
	w.Register(job.TypeTimelineExtraction, pipeline.ExtractTimeline)
	w.Register(job.TypeCitationVerification, pipeline.VerifyCitations)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
		zlog.Error("worker failed", zap.Error(err))
	}

	if err := broker.Close(); err != nil {
		zlog.Warn("broker close failed", zap.Error(err))
	}
	if err := kv.Close(); err != nil {
		zlog.Warn("redis close failed", zap.Error(err))
	}
	pool.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
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

// Package worker drains the per-matter job queues and drives the
// document processing pipeline: OCR, extraction, and citation
// verification. Queues are discovered from the jobs table, so a restart
// picks up exactly the work that was queued.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/database"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
	"github.com/matterdock/matterdock-backend/internal/service/jobs"
	"github.com/matterdock/matterdock-backend/internal/service/orchestrator"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultDequeueTimeout = time.Second

	// DefaultEvaluationLookback bounds which matters get their evaluation
	// queue drained: those with query activity inside the window.
	DefaultEvaluationLookback = time.Hour
)

// Config tunes the poll loop. Zero values fall back to the defaults.
type Config struct {
	PollInterval       time.Duration
	DequeueTimeout     time.Duration
	EvaluationLookback time.Duration
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = DefaultDequeueTimeout
	}
	if c.EvaluationLookback <= 0 {
		c.EvaluationLookback = DefaultEvaluationLookback
	}
}

// QueueSource lists the per-matter queues that have queued jobs.
type QueueSource interface {
	ActiveQueues(ctx context.Context) ([]database.ActiveQueue, error)
}

// ActivitySource lists matters with recent query activity, for the
// evaluation queue sweep.
type ActivitySource interface {
	ActiveMatters(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// Handler processes one dequeued job envelope.
type Handler func(ctx context.Context, scope matter.Scope, env jobs.Envelope) error

// Worker is the queue consumer.
type Worker struct {
	queues   QueueSource
	activity ActivitySource
	broker   ports.Broker
	tracker  *jobs.Tracker
	handlers map[string]Handler
	cfg      Config
	logger   *zap.Logger
}

func New(queues QueueSource, activity ActivitySource, broker ports.Broker, tracker *jobs.Tracker, cfg Config, logger *zap.Logger) *Worker {
	cfg.fill()
	return &Worker{
		queues:   queues,
		activity: activity,
		broker:   broker,
		tracker:  tracker,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds a handler to a job type. Envelopes of unregistered
// types fail their job rather than vanish.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	queues, err := w.queues.ActiveQueues(ctx)
	if err != nil {
		w.logger.Warn("queue discovery failed", zap.Error(err))
		return
	}

	for _, q := range queues {
		w.drainQueue(ctx, q)
		if ctx.Err() != nil {
			return
		}
	}

	w.drainEvaluations(ctx)
}

// drainQueue empties one per-matter queue, processing envelopes in order.
func (w *Worker) drainQueue(ctx context.Context, q database.ActiveQueue) {
	key := matter.Scope{MatterID: q.MatterID}.QueueKey(q.JobType)
	for {
		data, err := w.broker.Dequeue(ctx, key, w.cfg.DequeueTimeout)
		if err != nil {
			w.logger.Warn("dequeue failed", zap.String("queue", key), zap.Error(err))
			return
		}
		if data == nil {
			return
		}

		var env jobs.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.logger.Error("undecodable job envelope dropped",
				zap.String("queue", key), zap.Error(err))
			continue
		}
		w.process(ctx, env)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, env jobs.Envelope) {
	scope, err := matter.NewScopeFromIDs(env.MatterID, env.UserID)
	if err != nil {
		w.logger.Error("envelope with invalid scope dropped",
			zap.String("job_id", env.JobID.String()), zap.Error(err))
		return
	}

	if _, err := w.tracker.Start(ctx, scope, env.JobID); err != nil {
		// Cancelled and skipped jobs stay on the queue until here; their
		// envelopes are dropped without running.
		w.logger.Info("job not started",
			zap.String("job_id", env.JobID.String()),
			zap.String("type", env.Type),
			zap.Error(err))
		return
	}

	handler, ok := w.handlers[env.Type]
	if !ok {
		w.fail(ctx, scope, env, "no handler registered for job type "+env.Type)
		return
	}

	start := time.Now()
	if err := handler(ctx, scope, env); err != nil {
		w.logger.Error("job failed",
			zap.String("job_id", env.JobID.String()),
			zap.String("type", env.Type),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		w.fail(ctx, scope, env, err.Error())
		return
	}

	if _, err := w.tracker.Complete(ctx, scope, env.JobID); err != nil {
		w.logger.Warn("job completion not recorded",
			zap.String("job_id", env.JobID.String()), zap.Error(err))
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", env.JobID.String()),
		zap.String("type", env.Type),
		zap.Duration("elapsed", time.Since(start)))
}

func (w *Worker) fail(ctx context.Context, scope matter.Scope, env jobs.Envelope, message string) {
	if _, err := w.tracker.Fail(ctx, scope, env.JobID, message); err != nil {
		w.logger.Warn("job failure not recorded",
			zap.String("job_id", env.JobID.String()), zap.Error(err))
	}
}

// evaluationRecord is the payload the orchestrator enqueues after each
// completed stream.
type evaluationRecord struct {
	MessageID  uuid.UUID `json:"message_id"`
	MatterID   uuid.UUID `json:"matter_id"`
	Confidence float64   `json:"confidence"`
}

// drainEvaluations sweeps the evaluation queues of recently active
// matters. Evaluations carry no job row; the record is logged and
// counted, nothing more rides on it.
func (w *Worker) drainEvaluations(ctx context.Context) {
	if w.activity == nil {
		return
	}

	matters, err := w.activity.ActiveMatters(ctx, time.Now().Add(-w.cfg.EvaluationLookback))
	if err != nil {
		w.logger.Warn("evaluation sweep skipped", zap.Error(err))
		return
	}

	for _, matterID := range matters {
		key := matter.Scope{MatterID: matterID}.QueueKey(orchestrator.EvaluationQueue)
		for {
			data, err := w.broker.Dequeue(ctx, key, w.cfg.DequeueTimeout)
			if err != nil || data == nil {
				break
			}

			var rec evaluationRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				w.logger.Warn("undecodable evaluation record dropped", zap.Error(err))
				continue
			}
			telemetry.RecordJobTransition(job.TypeEvaluation, "completed")
			w.logger.Info("response evaluation recorded",
				zap.String("matter_id", rec.MatterID.String()),
				zap.String("message_id", rec.MessageID.String()),
				zap.Float64("confidence", rec.Confidence))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

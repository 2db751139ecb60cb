// Package jobs tracks background processing runs through their state
// machine and dispatches them onto the broker's matter queues.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// DefaultMaxRetries bounds operator-initiated retries per job.
const DefaultMaxRetries = 3

// Store persists jobs. Get returns ITEM_NOT_FOUND for ids outside the
// matter.
type Store interface {
	Insert(ctx context.Context, scope matter.Scope, j *job.Job) error
	Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error)
	Update(ctx context.Context, scope matter.Scope, j *job.Job) error
	ListByMatter(ctx context.Context, scope matter.Scope) ([]*job.Job, error)
}

// Envelope is the queue payload a worker dequeues.
type Envelope struct {
	JobID      uuid.UUID       `json:"job_id"`
	MatterID   uuid.UUID       `json:"matter_id"`
	UserID     uuid.UUID       `json:"user_id"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// stagesFor gives each job type its stage count so progress percentages
// mean something. Unknown types run as a single stage.
func stagesFor(jobType string) int {
	switch jobType {
	case job.TypeOCR:
		return 4 // split, ocr, merge, validate
	case job.TypeCitationExtraction, job.TypeEntityExtraction, job.TypeTimelineExtraction:
		return 2 // extract, persist
	default:
		return 1
	}
}

// Tracker is the job service.
type Tracker struct {
	store  Store
	broker ports.Broker
	logger *zap.Logger
}

func New(store Store, broker ports.Broker, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, broker: broker, logger: logger}
}

// Enqueue creates a QUEUED job and pushes its envelope onto the matter's
// queue for the job type.
func (t *Tracker) Enqueue(ctx context.Context, scope matter.Scope, jobType string, documentID *uuid.UUID, payload json.RawMessage) (*job.Job, error) {
	j, err := job.New(scope.MatterID, jobType, stagesFor(jobType), DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	j.DocumentID = documentID

	if err := t.store.Insert(ctx, scope, j); err != nil {
		return nil, err
	}
	if err := t.dispatch(ctx, scope, j, payload); err != nil {
		return nil, err
	}

	telemetry.RecordJobTransition(jobType, j.Status.String())
	t.logger.Info("job enqueued",
		zap.String("matter_id", scope.MatterID.String()),
		zap.String("job_id", j.ID.String()),
		zap.String("type", jobType))
	return j, nil
}

func (t *Tracker) dispatch(ctx context.Context, scope matter.Scope, j *job.Job, payload json.RawMessage) error {
	env := Envelope{
		JobID:      j.ID,
		MatterID:   scope.MatterID,
		UserID:     scope.UserID,
		DocumentID: j.DocumentID,
		Type:       j.Type,
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.NewInternalError("failed to encode job envelope").WithCause(err)
	}
	if err := t.broker.Enqueue(ctx, scope.QueueKey(j.Type), data); err != nil {
		return errors.NewExternalError("broker", "failed to enqueue job").WithCause(err)
	}
	return nil
}

// Get returns one job within the matter.
func (t *Tracker) Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	return t.store.Get(ctx, scope, id)
}

// List returns the matter's jobs as the store orders them, newest first.
func (t *Tracker) List(ctx context.Context, scope matter.Scope) ([]*job.Job, error) {
	return t.store.ListByMatter(ctx, scope)
}

// Start moves a job to PROCESSING.
func (t *Tracker) Start(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.Start() })
}

// Advance records a completed stage and publishes progress.
func (t *Tracker) Advance(ctx context.Context, scope matter.Scope, id uuid.UUID, stage string) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.AdvanceStage(stage) })
}

// Complete finishes a job.
func (t *Tracker) Complete(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.Complete() })
}

// Fail marks a job failed with an operator-visible message.
func (t *Tracker) Fail(ctx context.Context, scope matter.Scope, id uuid.UUID, message string) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.Fail(message) })
}

// Retry requeues a FAILED job and dispatches a fresh envelope.
func (t *Tracker) Retry(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	j, err := t.transition(ctx, scope, id, func(j *job.Job) error { return j.Retry() })
	if err != nil {
		return nil, err
	}
	if err := t.dispatch(ctx, scope, j, nil); err != nil {
		return nil, err
	}
	return j, nil
}

// Skip abandons a FAILED job without retrying it.
func (t *Tracker) Skip(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.Skip() })
}

// Cancel stops a QUEUED or PROCESSING job. Workers observe the status on
// their next persistence point and abandon the run.
func (t *Tracker) Cancel(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	return t.transition(ctx, scope, id, func(j *job.Job) error { return j.Cancel() })
}

func (t *Tracker) transition(ctx context.Context, scope matter.Scope, id uuid.UUID, apply func(*job.Job) error) (*job.Job, error) {
	j, err := t.store.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := apply(j); err != nil {
		return nil, err
	}
	if err := t.store.Update(ctx, scope, j); err != nil {
		return nil, err
	}

	telemetry.RecordJobTransition(j.Type, j.Status.String())
	t.publishProgress(ctx, scope, j)
	return j, nil
}

// publishProgress is best-effort; a broker outage never fails a
// transition that already persisted.
func (t *Tracker) publishProgress(ctx context.Context, scope matter.Scope, j *job.Job) {
	event := ports.Event{
		Type: ports.EventProgress,
		Data: map[string]interface{}{
			"job_id":        j.ID.String(),
			"job_type":      j.Type,
			"status":        j.Status.String(),
			"current_stage": j.CurrentStage,
			"progress_pct":  j.ProgressPct,
		},
	}
	if err := t.broker.Publish(ctx, scope.EventChannel(), event); err != nil {
		t.logger.Warn("job progress publish failed",
			zap.String("job_id", j.ID.String()),
			zap.Error(err))
	}
}

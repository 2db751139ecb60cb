package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Job is one background processing run (OCR, extraction, verification)
// tracked through a fixed state machine:
//
//	QUEUED → PROCESSING → COMPLETED | FAILED | CANCELLED | SKIPPED
//
// retry applies only to FAILED, skip only to FAILED, cancel only to
// QUEUED or PROCESSING. Everything else is INVALID_JOB_STATUS.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	MatterID        uuid.UUID  `json:"matter_id"`
	DocumentID      *uuid.UUID `json:"document_id,omitempty"`
	Type            string     `json:"type"`
	Status          Status     `json:"status"`
	CurrentStage    string     `json:"current_stage,omitempty"`
	TotalStages     int        `json:"total_stages"`
	CompletedStages int        `json:"completed_stages"`
	ProgressPct     float64    `json:"progress_pct"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Job types dispatched through the broker queues.
const (
	TypeOCR                  = "ocr"
	TypeCitationExtraction   = "citation_extraction"
	TypeCitationVerification = "citation_verification"
	TypeEntityExtraction     = "entity_extraction"
	TypeTimelineExtraction   = "timeline_extraction"
	TypeEvaluation           = "evaluation"
)

type Status int

const (
	StatusQueued Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "QUEUED":
		return StatusQueued, nil
	case "PROCESSING":
		return StatusProcessing, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "SKIPPED":
		return StatusSkipped, nil
	default:
		return StatusQueued, errors.NewInvalidParameter("status", "unknown job status")
	}
}

// IsTerminal reports whether the job can never move again except via retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

func New(matterID uuid.UUID, jobType string, totalStages, maxRetries int) (*Job, error) {
	if matterID == uuid.Nil {
		return nil, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	if jobType == "" {
		return nil, errors.NewInvalidParameter("type", "job type cannot be empty")
	}
	if totalStages < 1 {
		totalStages = 1
	}
	now := time.Now()
	return &Job{
		ID:          uuid.New(),
		MatterID:    matterID,
		Type:        jobType,
		Status:      StatusQueued,
		TotalStages: totalStages,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start moves QUEUED → PROCESSING.
func (j *Job) Start() error {
	if j.Status != StatusQueued {
		return errors.NewInvalidJobStatus(j.Status.String(), "start").WithDetail("job_id", j.ID.String())
	}
	now := time.Now()
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// AdvanceStage records a completed stage and recomputes progress.
func (j *Job) AdvanceStage(stage string) error {
	if j.Status != StatusProcessing {
		return errors.NewInvalidJobStatus(j.Status.String(), "advance").WithDetail("job_id", j.ID.String())
	}
	j.CurrentStage = stage
	if j.CompletedStages < j.TotalStages {
		j.CompletedStages++
	}
	j.ProgressPct = float64(j.CompletedStages) / float64(j.TotalStages) * 100
	j.UpdatedAt = time.Now()
	return nil
}

// Complete moves PROCESSING → COMPLETED.
func (j *Job) Complete() error {
	if j.Status != StatusProcessing {
		return errors.NewInvalidJobStatus(j.Status.String(), "complete").WithDetail("job_id", j.ID.String())
	}
	now := time.Now()
	j.Status = StatusCompleted
	j.CompletedStages = j.TotalStages
	j.ProgressPct = 100
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail moves PROCESSING → FAILED with an operator message.
func (j *Job) Fail(message string) error {
	if j.Status != StatusProcessing {
		return errors.NewInvalidJobStatus(j.Status.String(), "fail").WithDetail("job_id", j.ID.String())
	}
	now := time.Now()
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Retry moves FAILED → QUEUED, counting the attempt. Retrying past
// MaxRetries is refused.
func (j *Job) Retry() error {
	if j.Status != StatusFailed {
		return errors.NewInvalidJobStatus(j.Status.String(), "retry").WithDetail("job_id", j.ID.String())
	}
	if j.MaxRetries > 0 && j.RetryCount >= j.MaxRetries {
		return errors.NewInvalidJobStatus(j.Status.String(), "retry").
			WithDetail("job_id", j.ID.String()).
			WithDetail("reason", "max retries exhausted")
	}
	j.Status = StatusQueued
	j.RetryCount++
	j.ErrorMessage = ""
	j.CurrentStage = ""
	j.CompletedStages = 0
	j.ProgressPct = 0
	j.StartedAt = nil
	j.FinishedAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

// Skip moves FAILED → SKIPPED.
func (j *Job) Skip() error {
	if j.Status != StatusFailed {
		return errors.NewInvalidJobStatus(j.Status.String(), "skip").WithDetail("job_id", j.ID.String())
	}
	now := time.Now()
	j.Status = StatusSkipped
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Cancel moves QUEUED or PROCESSING → CANCELLED.
func (j *Job) Cancel() error {
	if j.Status != StatusQueued && j.Status != StatusProcessing {
		return errors.NewInvalidJobStatus(j.Status.String(), "cancel").WithDetail("job_id", j.ID.String())
	}
	now := time.Now()
	j.Status = StatusCancelled
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// StageRecord is one append-only stage-transition row.
type StageRecord struct {
	ID         uuid.UUID `json:"id"`
	MatterID   uuid.UUID `json:"matter_id"`
	JobID      uuid.UUID `json:"job_id"`
	Stage      string    `json:"stage"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Message    string    `json:"message,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func NewStageRecord(j *Job, stage, fromStatus, message string) StageRecord {
	return StageRecord{
		ID:         uuid.New(),
		MatterID:   j.MatterID,
		JobID:      j.ID,
		Stage:      stage,
		FromStatus: fromStatus,
		ToStatus:   j.Status.String(),
		Message:    message,
		RecordedAt: time.Now(),
	}
}

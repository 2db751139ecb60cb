package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// JobRepository persists background jobs and their append-only stage
// history.
type JobRepository struct {
	db *pgxpool.Pool
}

// NewJobRepository creates a new PostgreSQL job repository
func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

// Insert stores a new job
func (r *JobRepository) Insert(ctx context.Context, scope matter.Scope, j *job.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO jobs (
			id, matter_id, document_id, job_type, status, current_stage,
			total_stages, completed_stages, progress_pct, retry_count,
			max_retries, error_message, created_at, updated_at, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, j.ID, scope.MatterID, j.DocumentID, j.Type, j.Status.String(), j.CurrentStage,
		j.TotalStages, j.CompletedStages, j.ProgressPct, j.RetryCount,
		j.MaxRetries, j.ErrorMessage, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt)

	if err != nil {
		return errors.NewInternalError("failed to insert job").WithCause(err)
	}
	return r.appendStageHistory(ctx, scope, j)
}

// Get retrieves one job within the scope's matter
func (r *JobRepository) Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	row := r.db.QueryRow(ctx, jobSelect+`
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID)

	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("job")
		}
		return nil, errors.NewInternalError("failed to get job").WithCause(err)
	}
	return j, nil
}

// Update rewrites the job's mutable state and appends to its history.
func (r *JobRepository) Update(ctx context.Context, scope matter.Scope, j *job.Job) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = $3, current_stage = $4, completed_stages = $5,
		    progress_pct = $6, retry_count = $7, error_message = $8,
		    updated_at = $9, started_at = $10, finished_at = $11
		WHERE id = $1 AND matter_id = $2
	`, j.ID, scope.MatterID, j.Status.String(), j.CurrentStage, j.CompletedStages,
		j.ProgressPct, j.RetryCount, j.ErrorMessage, j.UpdatedAt, j.StartedAt, j.FinishedAt)

	if err != nil {
		return errors.NewInternalError("failed to update job").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("job")
	}
	return r.appendStageHistory(ctx, scope, j)
}

// ListByMatter returns the matter's jobs, newest first.
func (r *JobRepository) ListByMatter(ctx context.Context, scope matter.Scope) ([]*job.Job, error) {
	rows, err := r.db.Query(ctx, jobSelect+`
		WHERE matter_id = $1
		ORDER BY created_at DESC
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list jobs").WithCause(err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan job").WithCause(err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ActiveQueue identifies one per-matter queue that has undelivered work.
type ActiveQueue struct {
	MatterID uuid.UUID
	JobType  string
}

// ActiveQueues enumerates the (matter, type) queues with queued jobs, so
// the worker knows which lists to poll.
func (r *JobRepository) ActiveQueues(ctx context.Context) ([]ActiveQueue, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT matter_id, job_type
		FROM jobs
		WHERE status = 'QUEUED'
		ORDER BY matter_id, job_type
	`)
	if err != nil {
		return nil, errors.NewInternalError("failed to list active queues").WithCause(err)
	}
	defer rows.Close()

	var queues []ActiveQueue
	for rows.Next() {
		var q ActiveQueue
		if err := rows.Scan(&q.MatterID, &q.JobType); err != nil {
			return nil, errors.NewInternalError("failed to scan active queue").WithCause(err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// StageHistoryRow is one append-only snapshot of a job transition.
type StageHistoryRow struct {
	JobID      uuid.UUID `json:"job_id"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	RetryCount int       `json:"retry_count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StageHistory returns a job's transition log, oldest first.
func (r *JobRepository) StageHistory(ctx context.Context, scope matter.Scope, jobID uuid.UUID) ([]StageHistoryRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT job_id, status, stage, retry_count, recorded_at
		FROM job_stage_history
		WHERE matter_id = $1 AND job_id = $2
		ORDER BY recorded_at
	`, scope.MatterID, jobID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list stage history").WithCause(err)
	}
	defer rows.Close()

	var history []StageHistoryRow
	for rows.Next() {
		var row StageHistoryRow
		if err := rows.Scan(&row.JobID, &row.Status, &row.Stage, &row.RetryCount, &row.RecordedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan stage history").WithCause(err)
		}
		history = append(history, row)
	}
	return history, rows.Err()
}

func (r *JobRepository) appendStageHistory(ctx context.Context, scope matter.Scope, j *job.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO job_stage_history (matter_id, job_id, status, stage, retry_count, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, scope.MatterID, j.ID, j.Status.String(), j.CurrentStage, j.RetryCount)

	if err != nil {
		return errors.NewInternalError("failed to append stage history").WithCause(err)
	}
	return nil
}

const jobSelect = `
	SELECT id, matter_id, document_id, job_type, status, current_stage,
	       total_stages, completed_stages, progress_pct, retry_count,
	       max_retries, error_message, created_at, updated_at, started_at, finished_at
	FROM jobs`

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var statusStr string

	if err := row.Scan(&j.ID, &j.MatterID, &j.DocumentID, &j.Type, &statusStr,
		&j.CurrentStage, &j.TotalStages, &j.CompletedStages, &j.ProgressPct,
		&j.RetryCount, &j.MaxRetries, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}

	status, err := job.ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}
	j.Status = status
	return &j, nil
}

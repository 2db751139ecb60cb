package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/database"
	"github.com/matterdock/matterdock-backend/internal/service/jobs"
	"github.com/matterdock/matterdock-backend/internal/service/orchestrator"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

type fakeJobStore struct {
	jobs map[uuid.UUID]*job.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*job.Job)}
}

func (s *fakeJobStore) Insert(ctx context.Context, scope matter.Scope, j *job.Job) error {
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error) {
	if j, ok := s.jobs[id]; ok && j.MatterID == scope.MatterID {
		copied := *j
		return &copied, nil
	}
	return nil, domainErrors.NewItemNotFound("job")
}

func (s *fakeJobStore) Update(ctx context.Context, scope matter.Scope, j *job.Job) error {
	if _, ok := s.jobs[j.ID]; !ok {
		return domainErrors.NewItemNotFound("job")
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) ListByMatter(ctx context.Context, scope matter.Scope) ([]*job.Job, error) {
	var out []*job.Job
	for _, j := range s.jobs {
		if j.MatterID == scope.MatterID {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeQueueSource struct {
	queues []database.ActiveQueue
}

func (s *fakeQueueSource) ActiveQueues(ctx context.Context) ([]database.ActiveQueue, error) {
	return s.queues, nil
}

type fakeActivitySource struct {
	matters []uuid.UUID
}

func (s *fakeActivitySource) ActiveMatters(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return s.matters, nil
}

func workerScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func TestTick_CompletesQueuedJob(t *testing.T) {
	store := newFakeJobStore()
	broker := testutil.NewFakeBroker()
	tracker := jobs.New(store, broker, zaptest.NewLogger(t))
	scope := workerScope(t)

	queued, err := tracker.Enqueue(context.Background(), scope, job.TypeOCR, nil, nil)
	require.NoError(t, err)

	w := New(&fakeQueueSource{queues: []database.ActiveQueue{
		{MatterID: scope.MatterID, JobType: job.TypeOCR},
	}}, nil, broker, tracker, Config{}, zaptest.NewLogger(t))

	var handled []jobs.Envelope
	w.Register(job.TypeOCR, func(ctx context.Context, got matter.Scope, env jobs.Envelope) error {
		assert.Equal(t, scope, got)
		handled = append(handled, env)
		return nil
	})

	w.tick(context.Background())

	require.Len(t, handled, 1)
	assert.Equal(t, queued.ID, handled[0].JobID)

	done, err := tracker.Get(context.Background(), scope, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Empty(t, broker.Queues[scope.QueueKey(job.TypeOCR)])
}

func TestTick_HandlerErrorFailsJob(t *testing.T) {
	store := newFakeJobStore()
	broker := testutil.NewFakeBroker()
	tracker := jobs.New(store, broker, zaptest.NewLogger(t))
	scope := workerScope(t)

	queued, err := tracker.Enqueue(context.Background(), scope, job.TypeTimelineExtraction, nil, nil)
	require.NoError(t, err)

	w := New(&fakeQueueSource{queues: []database.ActiveQueue{
		{MatterID: scope.MatterID, JobType: job.TypeTimelineExtraction},
	}}, nil, broker, tracker, Config{}, zaptest.NewLogger(t))
	w.Register(job.TypeTimelineExtraction, func(ctx context.Context, _ matter.Scope, _ jobs.Envelope) error {
		return errors.New("model unavailable")
	})

	w.tick(context.Background())

	failed, err := tracker.Get(context.Background(), scope, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Equal(t, "model unavailable", failed.ErrorMessage)
}

func TestTick_UnregisteredTypeFailsJob(t *testing.T) {
	store := newFakeJobStore()
	broker := testutil.NewFakeBroker()
	tracker := jobs.New(store, broker, zaptest.NewLogger(t))
	scope := workerScope(t)

	queued, err := tracker.Enqueue(context.Background(), scope, job.TypeEntityExtraction, nil, nil)
	require.NoError(t, err)

	w := New(&fakeQueueSource{queues: []database.ActiveQueue{
		{MatterID: scope.MatterID, JobType: job.TypeEntityExtraction},
	}}, nil, broker, tracker, Config{}, zaptest.NewLogger(t))

	w.tick(context.Background())

	failed, err := tracker.Get(context.Background(), scope, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no handler registered")
}

func TestTick_CancelledEnvelopeDropped(t *testing.T) {
	store := newFakeJobStore()
	broker := testutil.NewFakeBroker()
	tracker := jobs.New(store, broker, zaptest.NewLogger(t))
	scope := workerScope(t)

	queued, err := tracker.Enqueue(context.Background(), scope, job.TypeOCR, nil, nil)
	require.NoError(t, err)
	_, err = tracker.Cancel(context.Background(), scope, queued.ID)
	require.NoError(t, err)

	w := New(&fakeQueueSource{queues: []database.ActiveQueue{
		{MatterID: scope.MatterID, JobType: job.TypeOCR},
	}}, nil, broker, tracker, Config{}, zaptest.NewLogger(t))

	called := false
	w.Register(job.TypeOCR, func(ctx context.Context, _ matter.Scope, _ jobs.Envelope) error {
		called = true
		return nil
	})

	w.tick(context.Background())

	assert.False(t, called, "cancelled job must not run")
	got, err := tracker.Get(context.Background(), scope, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Empty(t, broker.Queues[scope.QueueKey(job.TypeOCR)], "envelope consumed on drop")
}

func TestTick_SweepsEvaluationQueue(t *testing.T) {
	store := newFakeJobStore()
	broker := testutil.NewFakeBroker()
	tracker := jobs.New(store, broker, zaptest.NewLogger(t))
	scope := workerScope(t)

	record, err := json.Marshal(map[string]interface{}{
		"message_id": uuid.New(),
		"matter_id":  scope.MatterID,
		"confidence": 82.5,
	})
	require.NoError(t, err)
	key := matter.Scope{MatterID: scope.MatterID}.QueueKey(orchestrator.EvaluationQueue)
	require.NoError(t, broker.Enqueue(context.Background(), key, record))

	w := New(&fakeQueueSource{}, &fakeActivitySource{matters: []uuid.UUID{scope.MatterID}},
		broker, tracker, Config{}, zaptest.NewLogger(t))

	w.tick(context.Background())

	assert.Empty(t, broker.Queues[key])
}

func TestRun_StopsOnCancel(t *testing.T) {
	w := New(&fakeQueueSource{}, nil, testutil.NewFakeBroker(),
		jobs.New(newFakeJobStore(), testutil.NewFakeBroker(), zaptest.NewLogger(t)),
		Config{PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

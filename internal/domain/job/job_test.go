package job

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

func newJob(t *testing.T) *Job {
	t.Helper()
	j, err := New(uuid.New(), TypeOCR, 4, 3)
	require.NoError(t, err)
	return j
}

func TestHappyPath(t *testing.T) {
	j := newJob(t)
	assert.Equal(t, StatusQueued, j.Status)

	require.NoError(t, j.Start())
	assert.Equal(t, StatusProcessing, j.Status)
	assert.NotNil(t, j.StartedAt)

	require.NoError(t, j.AdvanceStage("split"))
	require.NoError(t, j.AdvanceStage("ocr"))
	assert.Equal(t, 2, j.CompletedStages)
	assert.InDelta(t, 50.0, j.ProgressPct, 0.001)

	require.NoError(t, j.Complete())
	assert.Equal(t, StatusCompleted, j.Status)
	assert.InDelta(t, 100.0, j.ProgressPct, 0.001)
	assert.True(t, j.Status.IsTerminal())
}

func TestRetryOnlyFromFailed(t *testing.T) {
	j := newJob(t)

	err := j.Retry()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidJobStatus, errors.CodeOf(err))

	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("ocr provider unreachable"))
	assert.Equal(t, StatusFailed, j.Status)

	require.NoError(t, j.Retry())
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.ErrorMessage)
	assert.Zero(t, j.CompletedStages)
	assert.Nil(t, j.StartedAt)
}

func TestRetryExhaustion(t *testing.T) {
	j, err := New(uuid.New(), TypeCitationVerification, 1, 1)
	require.NoError(t, err)

	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("boom"))
	require.NoError(t, j.Retry())

	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("boom again"))
	err = j.Retry()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidJobStatus, errors.CodeOf(err))
}

func TestSkipOnlyFromFailed(t *testing.T) {
	j := newJob(t)

	err := j.Skip()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidJobStatus, errors.CodeOf(err))

	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("bad input"))
	require.NoError(t, j.Skip())
	assert.Equal(t, StatusSkipped, j.Status)
}

func TestCancelFromQueuedAndProcessing(t *testing.T) {
	j := newJob(t)
	require.NoError(t, j.Cancel())
	assert.Equal(t, StatusCancelled, j.Status)

	j2 := newJob(t)
	require.NoError(t, j2.Start())
	require.NoError(t, j2.Cancel())
	assert.Equal(t, StatusCancelled, j2.Status)

	// Terminal states refuse cancel.
	err := j2.Cancel()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidJobStatus, errors.CodeOf(err))
}

func TestCompletedJobRefusesEverything(t *testing.T) {
	j := newJob(t)
	require.NoError(t, j.Start())
	require.NoError(t, j.Complete())

	for name, op := range map[string]func() error{
		"start":  j.Start,
		"retry":  j.Retry,
		"skip":   j.Skip,
		"cancel": j.Cancel,
		"fail":   func() error { return j.Fail("x") },
	} {
		err := op()
		require.Error(t, err, name)
		assert.Equal(t, errors.CodeInvalidJobStatus, errors.CodeOf(err), name)
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("RUNNING")
	assert.Error(t, err)
}

func TestStageRecord(t *testing.T) {
	j := newJob(t)
	require.NoError(t, j.Start())

	rec := NewStageRecord(j, "split", StatusQueued.String(), "")
	assert.Equal(t, j.ID, rec.JobID)
	assert.Equal(t, j.MatterID, rec.MatterID)
	assert.Equal(t, "QUEUED", rec.FromStatus)
	assert.Equal(t, "PROCESSING", rec.ToStatus)
}

package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/testutil"
	"github.com/bizflowhq/sync-core/shared/logger"
)

func newRunner(store jobs.Store, maxAttempts int) *jobs.Runner {
	return jobs.NewRunner(store, logger.NewDefault().Logger, nil, maxAttempts)
}

func enqueueN(t *testing.T, store *testutil.MemJobStore, userID string, kind jobs.Kind, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Enqueue(context.Background(), userID, kind, json.RawMessage(`{}`), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestRunner_ProcessesOldestFirstUpToMax(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)

	var processed []string
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		processed = append(processed, job.ID)
		return json.RawMessage(`{"ok":true}`), nil
	})

	ids := enqueueN(t, store, "u1", jobs.KindNormalize, 50)

	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Processed)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, summary.Processed, summary.Succeeded+summary.Failed)

	// Oldest ten ran, in creation order.
	assert.Equal(t, ids[:10], processed)

	// The other forty are untouched.
	assert.Equal(t, 40, store.CountByStatus(jobs.StatusQueued))
	assert.Equal(t, 10, store.CountByStatus(jobs.StatusDone))
}

func TestRunner_SkipsOtherUsersJobs(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		return nil, nil
	})

	enqueueN(t, store, "u1", jobs.KindNormalize, 3)
	enqueueN(t, store, "u2", jobs.KindNormalize, 2)

	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, store.CountByStatus(jobs.StatusQueued))
}

func TestRunner_RetryableFailureSucceedsOnThirdAttempt(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)

	failures := 2
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("dial tcp: connection refused")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	ids := enqueueN(t, store, "u1", jobs.KindNormalize, 1)

	// First pass: fails, requeued.
	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.True(t, summary.Errors[0].WillRetry)
	assert.Equal(t, classify.CategoryNetwork, summary.Errors[0].Category)

	job, ok := store.Job(ids[0])
	require.True(t, ok)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// Second pass: fails again, requeued.
	summary, err = runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	// Third pass: succeeds.
	summary, err = runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	job, ok = store.Job(ids[0])
	require.True(t, ok)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestRunner_RetryableFailureExhaustsAttempts(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		return nil, errors.New("upstream timeout")
	})

	ids := enqueueN(t, store, "u1", jobs.KindNormalize, 1)

	for i := 0; i < 3; i++ {
		_, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
		require.NoError(t, err)
	}

	job, ok := store.Job(ids[0])
	require.True(t, ok)
	assert.Equal(t, jobs.StatusError, job.Status)
	assert.Equal(t, 3, job.Attempts)

	// Classification is embedded in the result.
	var detail struct {
		Classification classify.Classification `json:"classification"`
		Message        string                  `json:"message"`
		Attempts       int                     `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(job.Result, &detail))
	assert.Equal(t, classify.CategoryNetwork, detail.Classification.Category)
	assert.Equal(t, "upstream timeout", detail.Message)
	assert.Equal(t, 3, detail.Attempts)

	// A fourth pass claims nothing.
	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
}

func TestRunner_NonRetryableFailureIsTerminalImmediately(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		return nil, &classify.HTTPError{Status: 422, Message: "provider item has no id"}
	})

	ids := enqueueN(t, store, "u1", jobs.KindNormalize, 1)

	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.False(t, summary.Errors[0].WillRetry)
	assert.Equal(t, classify.CategoryValidation, summary.Errors[0].Category)

	job, ok := store.Job(ids[0])
	require.True(t, ok)
	assert.Equal(t, jobs.StatusError, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunner_UnknownKindFailsValidation(t *testing.T) {
	store := testutil.NewMemJobStore()
	runner := newRunner(store, 3)
	// No handler registered for mail_sync.

	ids := enqueueN(t, store, "u1", jobs.KindMailSync, 1)

	summary, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, classify.CategoryValidation, summary.Errors[0].Category)

	job, ok := store.Job(ids[0])
	require.True(t, ok)
	assert.Equal(t, jobs.StatusError, job.Status)
}

func TestRunner_RecordsFailures(t *testing.T) {
	store := testutil.NewMemJobStore()
	recorder := classify.NewRecorder(10)
	runner := jobs.NewRunner(store, logger.NewDefault().Logger, recorder, 3)
	runner.Register(jobs.KindNormalize, func(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
		return nil, &classify.HTTPError{Status: 429, Message: "slow down"}
	})

	enqueueN(t, store, "u1", jobs.KindNormalize, 2)

	_, err := runner.ProcessUserJobs(context.Background(), "u1", 10)
	require.NoError(t, err)

	recent := recorder.Recent(time.Now(), time.Hour)
	require.Len(t, recent, 2)
	assert.Equal(t, classify.CategoryRateLimit, recent[0].Classification.Category)
}

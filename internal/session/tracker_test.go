package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/testutil"
	"github.com/bizflowhq/sync-core/shared/logger"
)

func newTracker(store session.Store) *session.Tracker {
	return session.NewTracker(store, logger.NewDefault().Logger)
}

func createSession(t *testing.T, tracker *session.Tracker, userID string) *session.Session {
	t.Helper()
	sess, err := tracker.Create(context.Background(), userID, session.ServiceMail, nil)
	require.NoError(t, err)
	return sess
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func TestTracker_CreateInitializesStartedAtZeroPercent(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)

	sess := createSession(t, tracker, "u1")

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusStarted, sess.Status)
	assert.Equal(t, 0.0, sess.ProgressPercentage)

	view, err := tracker.Progress(context.Background(), sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStarted, view.Status)
	assert.Nil(t, view.CompletedAt)
	assert.Nil(t, view.Estimate)
}

func TestTracker_UpdateProgressClampsPercentage(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{name: "negative clamps to zero", in: -10, want: 0},
		{name: "over 100 clamps to 100", in: 150, want: 100},
		{name: "in range passes through", in: 42.5, want: 42.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemSessionStore()
			tracker := newTracker(store)
			sess := createSession(t, tracker, "u1")

			err := tracker.UpdateProgress(context.Background(), sess.ID, session.Patch{
				ProgressPercentage: floatPtr(tt.in),
			})
			require.NoError(t, err)

			stored, ok := store.Session(sess.ID)
			require.True(t, ok)
			assert.Equal(t, tt.want, stored.ProgressPercentage)
		})
	}
}

func TestTracker_UpdateProgressRejectsNegativeCounters(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	err := tracker.UpdateProgress(context.Background(), sess.ID, session.Patch{
		ProcessedItems: intPtr(-1),
		TotalItems:     intPtr(10),
	})
	require.ErrorIs(t, err, session.ErrInvalidCounter)

	// The whole update was rejected, not partially applied.
	stored, ok := store.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 0, stored.TotalItems)
}

func TestTracker_UpdateProgressOnTerminalSession(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	require.NoError(t, tracker.MarkCompleted(context.Background(), sess.ID, session.FinalCounts{}))

	err := tracker.UpdateProgress(context.Background(), sess.ID, session.Patch{
		ProgressPercentage: floatPtr(50),
	})
	assert.ErrorIs(t, err, session.ErrSessionTerminal)
}

func TestTracker_ProgressEstimate(t *testing.T) {
	importing := session.StatusImporting
	completed := session.StatusCompleted

	tests := []struct {
		name         string
		status       *session.Status
		percentage   float64
		wantEstimate bool
	}{
		{name: "importing mid-run has estimate", status: &importing, percentage: 25, wantEstimate: true},
		{name: "importing at zero percent omits estimate", status: &importing, percentage: 0, wantEstimate: false},
		{name: "started omits estimate", status: nil, percentage: 25, wantEstimate: false},
		{name: "terminal omits estimate", status: &completed, percentage: 50, wantEstimate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemSessionStore()
			tracker := newTracker(store)
			sess := createSession(t, tracker, "u1")

			patch := session.Patch{ProgressPercentage: floatPtr(tt.percentage)}
			if tt.status != nil {
				patch.Status = tt.status
			}
			require.NoError(t, tracker.UpdateProgress(context.Background(), sess.ID, patch))

			view, err := tracker.Progress(context.Background(), sess.ID, "u1")
			require.NoError(t, err)

			if tt.wantEstimate {
				require.NotNil(t, view.Estimate)
				assert.GreaterOrEqual(t, view.Estimate.ElapsedSeconds, 0.0)
				assert.InDelta(t, view.Estimate.EstimatedTotalSeconds,
					view.Estimate.ElapsedSeconds+view.Estimate.RemainingSeconds, 0.001)
			} else {
				assert.Nil(t, view.Estimate)
			}
		})
	}
}

func TestTracker_ProgressEstimateMath(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	importing := session.StatusImporting
	require.NoError(t, tracker.UpdateProgress(context.Background(), sess.ID, session.Patch{
		Status:             &importing,
		ProgressPercentage: floatPtr(25),
	}))

	view, err := tracker.Progress(context.Background(), sess.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Estimate)

	// At 25% the estimated total is 4x the elapsed time.
	assert.InDelta(t, view.Estimate.ElapsedSeconds*4, view.Estimate.EstimatedTotalSeconds, 0.001)
	assert.InDelta(t, view.Estimate.ElapsedSeconds*3, view.Estimate.RemainingSeconds, 0.001)
}

func TestTracker_ProgressUnknownSession(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)

	_, err := tracker.Progress(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestTracker_ProgressWrongUser(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	_, err := tracker.Progress(context.Background(), sess.ID, "u2")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestTracker_MarkCompletedStampsHundredPercent(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	// Counters accumulated during processing must survive completion.
	require.NoError(t, tracker.AddCounts(context.Background(), sess.ID, 9, 1, nil))

	err := tracker.MarkCompleted(context.Background(), sess.ID, session.FinalCounts{
		TotalItems:    10,
		ImportedItems: 10,
	})
	require.NoError(t, err)

	view, err := tracker.Progress(context.Background(), sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, view.Status)
	assert.Equal(t, 100.0, view.ProgressPercentage)
	assert.Equal(t, 10, view.TotalItems)
	assert.Equal(t, 9, view.ProcessedItems)
	assert.Equal(t, 1, view.FailedItems)
	require.NotNil(t, view.CompletedAt)
}

func TestTracker_MarkFailedRetainsCounters(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	importing := session.StatusImporting
	require.NoError(t, tracker.UpdateProgress(context.Background(), sess.ID, session.Patch{
		Status:        &importing,
		ImportedItems: intPtr(7),
		TotalItems:    intPtr(20),
	}))

	err := tracker.MarkFailed(context.Background(), sess.ID, "network", "dial tcp: connection refused", "import")
	require.NoError(t, err)

	view, err := tracker.Progress(context.Background(), sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, view.Status)
	assert.Equal(t, 7, view.ImportedItems)
	assert.Equal(t, 20, view.TotalItems)
	require.NotNil(t, view.ErrorDetails)
	assert.Equal(t, "network", view.ErrorDetails.Category)
	assert.Equal(t, "import", view.ErrorDetails.Stage)
	assert.False(t, view.ErrorDetails.OccurredAt.IsZero())
	require.NotNil(t, view.CompletedAt)
}

func TestTracker_CancelNonTerminal(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	require.NoError(t, tracker.Cancel(context.Background(), sess.ID, "u1"))

	view, err := tracker.Progress(context.Background(), sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, view.Status)
	require.NotNil(t, view.CompletedAt)
}

func TestTracker_CancelCompletedSessionFailsAndLeavesItUnchanged(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	require.NoError(t, tracker.MarkCompleted(context.Background(), sess.ID, session.FinalCounts{}))

	before, ok := store.Session(sess.ID)
	require.True(t, ok)

	err := tracker.Cancel(context.Background(), sess.ID, "u1")
	require.ErrorIs(t, err, session.ErrSessionTerminal)

	after, ok := store.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusCompleted, after.Status)
	assert.Equal(t, before.CompletedAt.Time, after.CompletedAt.Time)
}

func TestTracker_CompletedAtStampedOnce(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)
	sess := createSession(t, tracker, "u1")

	stamp := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return stamp })

	require.NoError(t, tracker.MarkCompleted(context.Background(), sess.ID, session.FinalCounts{}))

	store.SetClock(func() time.Time { return stamp.Add(time.Hour) })

	// Later terminal attempts fail and must not move the stamp.
	err := tracker.MarkFailed(context.Background(), sess.ID, "system", "late failure", "process")
	require.ErrorIs(t, err, session.ErrSessionTerminal)

	stored, ok := store.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, stamp, stored.CompletedAt.Time)
}

func TestTracker_CleanupOld(t *testing.T) {
	store := testutil.NewMemSessionStore()
	tracker := newTracker(store)

	old := createSession(t, tracker, "u1")
	fresh := createSession(t, tracker, "u1")

	// Age one session by ten days.
	aged, ok := store.Session(old.ID)
	require.True(t, ok)
	aged.StartedAt = time.Now().AddDate(0, 0, -10)
	require.NoError(t, store.Create(context.Background(), &aged))

	removed, err := tracker.CleanupOld(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok = store.Session(old.ID)
	assert.False(t, ok)
	_, ok = store.Session(fresh.ID)
	assert.True(t, ok)
}

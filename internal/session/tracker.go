package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Estimate is the derived time estimate included in a progress view
// while a session is actively importing or processing.
type Estimate struct {
	ElapsedSeconds        float64 `json:"elapsed_seconds"`
	EstimatedTotalSeconds float64 `json:"estimated_total_seconds"`
	RemainingSeconds      float64 `json:"remaining_seconds"`
}

// ProgressView is the client-facing snapshot of a session.
type ProgressView struct {
	SessionID          string        `json:"session_id"`
	Service            Service       `json:"service"`
	Status             Status        `json:"status"`
	ProgressPercentage float64       `json:"progress_percentage"`
	CurrentStep        string        `json:"current_step"`
	TotalItems         int           `json:"total_items"`
	ImportedItems      int           `json:"imported_items"`
	ProcessedItems     int           `json:"processed_items"`
	FailedItems        int           `json:"failed_items"`
	ErrorDetails       *ErrorDetails `json:"error_details,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Estimate           *Estimate     `json:"estimate,omitempty"`
}

// FinalCounts carries the import totals stamped on successful
// completion. Processed and failed item counters are not part of it:
// they accumulate per item during processing and completion must not
// overwrite them.
type FinalCounts struct {
	TotalItems    int
	ImportedItems int
}

// Tracker validates and applies session state changes. It owns the
// clamping and transition rules; the Store only guarantees atomicity.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// Create starts a new session in status started at 0%.
func (t *Tracker) Create(ctx context.Context, userID string, service Service, preferences json.RawMessage) (*Session, error) {
	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Service:     service,
		Status:      StatusStarted,
		CurrentStep: "Starting sync",
		Preferences: preferences,
		StartedAt:   t.now().UTC(),
	}

	if err := t.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	t.logger.Info("sync session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", userID),
		slog.String("service", string(service)),
	)

	return sess, nil
}

// UpdateProgress applies a partial progress update. Percentages outside
// [0,100] are clamped, never rejected; negative item counters reject
// the whole update. A patch that moves the session into a terminal
// status stamps CompletedAt via the store's CAS update.
func (t *Tracker) UpdateProgress(ctx context.Context, sessionID string, p Patch) error {
	if p.ProgressPercentage != nil {
		clamped := clampPercentage(*p.ProgressPercentage)
		p.ProgressPercentage = &clamped
	}

	for _, counter := range []*int{p.TotalItems, p.ImportedItems, p.ProcessedItems, p.FailedItems} {
		if counter != nil && *counter < 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrInvalidCounter)
		}
	}

	return t.store.Apply(ctx, sessionID, p)
}

// AddCounts increments processed/failed counters in place, optionally
// moving the progress percentage forward.
func (t *Tracker) AddCounts(ctx context.Context, sessionID string, processedDelta, failedDelta int, percentage *float64) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidCounter)
	}
	if percentage != nil {
		clamped := clampPercentage(*percentage)
		percentage = &clamped
	}
	return t.store.AddCounts(ctx, sessionID, processedDelta, failedDelta, percentage)
}

// Progress returns the client view of a session. The time estimate is
// derived only while the session is importing or processing with a
// percentage strictly between 0 and 100.
func (t *Tracker) Progress(ctx context.Context, sessionID, userID string) (*ProgressView, error) {
	sess, err := t.store.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	view := &ProgressView{
		SessionID:          sess.ID,
		Service:            sess.Service,
		Status:             sess.Status,
		ProgressPercentage: sess.ProgressPercentage,
		CurrentStep:        sess.CurrentStep,
		TotalItems:         sess.TotalItems,
		ImportedItems:      sess.ImportedItems,
		ProcessedItems:     sess.ProcessedItems,
		FailedItems:        sess.FailedItems,
		ErrorDetails:       sess.ErrorDetails(),
		StartedAt:          sess.StartedAt,
	}
	if sess.CompletedAt.Valid {
		completed := sess.CompletedAt.Time
		view.CompletedAt = &completed
	}

	active := sess.Status == StatusImporting || sess.Status == StatusProcessing
	pct := sess.ProgressPercentage
	if active && pct > 0 && pct < 100 {
		elapsed := t.now().Sub(sess.StartedAt).Seconds()
		estimatedTotal := elapsed / pct * 100
		view.Estimate = &Estimate{
			ElapsedSeconds:        elapsed,
			EstimatedTotalSeconds: estimatedTotal,
			RemainingSeconds:      estimatedTotal - elapsed,
		}
	}

	return view, nil
}

// MarkCompleted finalizes a session successfully, stamping 100% and the
// import totals. The processed and failed item counters accumulated
// during processing are left as they stand.
func (t *Tracker) MarkCompleted(ctx context.Context, sessionID string, counts FinalCounts) error {
	status := StatusCompleted
	pct := 100.0
	step := "Sync completed"

	err := t.store.Apply(ctx, sessionID, Patch{
		Status:             &status,
		ProgressPercentage: &pct,
		CurrentStep:        &step,
		TotalItems:         &counts.TotalItems,
		ImportedItems:      &counts.ImportedItems,
	})
	if err != nil {
		return err
	}

	t.logger.Info("sync session completed",
		slog.String("session_id", sessionID),
		slog.Int("total_items", counts.TotalItems),
		slog.Int("imported_items", counts.ImportedItems),
	)

	return nil
}

// MarkFailed finalizes a session as failed. Accumulated counters are
// left untouched; only the error payload and status change.
func (t *Tracker) MarkFailed(ctx context.Context, sessionID, category, message, stage string) error {
	status := StatusFailed
	step := "Sync failed"

	err := t.store.Apply(ctx, sessionID, Patch{
		Status:      &status,
		CurrentStep: &step,
		ErrorDetails: &ErrorDetails{
			Category:   category,
			Message:    message,
			Stage:      stage,
			OccurredAt: t.now().UTC(),
		},
	})
	if err != nil {
		return err
	}

	t.logger.Warn("sync session failed",
		slog.String("session_id", sessionID),
		slog.String("category", category),
		slog.String("stage", stage),
	)

	return nil
}

// Cancel flags a non-terminal session as cancelled. Cancelling a
// session that already reached a terminal status is an error and
// leaves the session unchanged.
func (t *Tracker) Cancel(ctx context.Context, sessionID, userID string) error {
	if err := t.store.Cancel(ctx, sessionID, userID); err != nil {
		return err
	}

	t.logger.Info("sync session cancelled",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)

	return nil
}

// CleanupOld deletes sessions started more than the given number of
// days ago and returns the count removed.
func (t *Tracker) CleanupOld(ctx context.Context, days int) (int, error) {
	cutoff := t.now().AddDate(0, 0, -days)

	removed, err := t.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		t.logger.Info("cleaned up old sync sessions",
			slog.Int("removed", removed),
			slog.Int("retention_days", days),
		)
	}

	return removed, nil
}

func clampPercentage(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

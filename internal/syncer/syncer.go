// Package syncer orchestrates one blocking sync run: create a session,
// import raw items from the provider, enqueue normalization jobs under
// a shared batch id, and drain the job queue inline. Progress flows
// from the import through an event channel into the session tracker,
// so the import routine never touches session persistence itself.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/token"
)

// ProgressEvent reports import progress from a provider client. The
// percentage covers the import phase only.
type ProgressEvent struct {
	Stage      string
	Percentage float64
	Imported   int
	Total      int
}

// SyncResult is the outcome of one provider import.
type SyncResult struct {
	ItemsSynced int
	Items       []json.RawMessage
}

// ProviderClient imports raw items from an external provider. The wire
// format behind it is opaque to this package. Implementations send
// coarse progress events and must stop when ctx is done.
type ProviderClient interface {
	Sync(ctx context.Context, userID, accessToken string, service session.Service, events chan<- ProgressEvent) (*SyncResult, error)
}

// Embedder is the optional downstream consumer for embed jobs.
type Embedder interface {
	Embed(ctx context.Context, item json.RawMessage) error
}

// RunStats summarizes a blocking sync run for the HTTP response.
type RunStats struct {
	SessionID     string `json:"session_id"`
	BatchID       string `json:"batch_id"`
	SyncedItems   int    `json:"synced_items"`
	ProcessedJobs int    `json:"processed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
}

// Config wires a Service.
type Config struct {
	Provider      ProviderClient
	Tokens        *token.Manager
	Jobs          jobs.Store
	Runner        *jobs.Runner
	Tracker       *session.Tracker
	Recorder      *classify.Recorder
	Logger        *slog.Logger
	Embedder      Embedder
	MaxJobsPerRun int
}

// Service runs blocking syncs. One instance serves all users; all
// mutable state lives in the stores.
type Service struct {
	provider      ProviderClient
	tokens        *token.Manager
	jobs          jobs.Store
	runner        *jobs.Runner
	tracker       *session.Tracker
	recorder      *classify.Recorder
	logger        *slog.Logger
	embedder      Embedder
	maxJobsPerRun int
}

// New creates a Service and registers its job handlers on the runner.
func New(cfg Config) *Service {
	s := &Service{
		provider:      cfg.Provider,
		tokens:        cfg.Tokens,
		jobs:          cfg.Jobs,
		runner:        cfg.Runner,
		tracker:       cfg.Tracker,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		embedder:      cfg.Embedder,
		maxJobsPerRun: cfg.MaxJobsPerRun,
	}

	cfg.Runner.Register(jobs.KindNormalize, s.handleNormalize)
	cfg.Runner.Register(jobs.KindEmbed, s.handleEmbed)
	cfg.Runner.Register(jobs.KindMailSync, s.handleProviderSync)
	cfg.Runner.Register(jobs.KindCalendarSync, s.handleProviderSync)

	return s
}

// providerFor maps a sync service to its OAuth provider name.
func providerFor(svc session.Service) string {
	switch svc {
	case session.ServiceMail, session.ServiceCalendar:
		return "google"
	default:
		return "generic"
	}
}

// Run executes a blocking sync for one user and service. Partial
// progress is never dropped: on failure the session keeps whatever
// counters it accumulated and carries the classified error details.
func (s *Service) Run(ctx context.Context, userID string, svc session.Service, preferences json.RawMessage) (*RunStats, error) {
	sess, err := s.tracker.Create(ctx, userID, svc, preferences)
	if err != nil {
		return nil, err
	}

	stats := &RunStats{SessionID: sess.ID}

	result, err := s.importPhase(ctx, sess.ID, userID, svc)
	if err != nil {
		cls := classify.Classify(err)
		s.recordFailure(err)
		if failErr := s.tracker.MarkFailed(ctx, sess.ID, string(cls.Category), err.Error(), "import"); failErr != nil {
			s.logger.Error("failed to finalize session after import failure",
				slog.String("session_id", sess.ID),
				slog.String("error", failErr.Error()),
			)
		}
		return stats, fmt.Errorf("import failed: %w", err)
	}

	stats.SyncedItems = result.ItemsSynced

	batchID, _, err := s.enqueueNormalization(ctx, sess.ID, userID, svc, result.Items)
	if err != nil {
		cls := classify.Classify(err)
		s.recordFailure(err)
		if failErr := s.tracker.MarkFailed(ctx, sess.ID, string(cls.Category), err.Error(), "enqueue"); failErr != nil {
			s.logger.Error("failed to finalize session after enqueue failure",
				slog.String("session_id", sess.ID),
				slog.String("error", failErr.Error()),
			)
		}
		return stats, fmt.Errorf("enqueue failed: %w", err)
	}

	stats.BatchID = batchID

	processed, failed, err := s.processPhase(ctx, sess.ID, userID, len(result.Items))
	stats.ProcessedJobs = processed
	stats.FailedJobs = failed
	if err != nil {
		cls := classify.Classify(err)
		s.recordFailure(err)
		if failErr := s.tracker.MarkFailed(ctx, sess.ID, string(cls.Category), err.Error(), "process"); failErr != nil {
			s.logger.Error("failed to finalize session after processing failure",
				slog.String("session_id", sess.ID),
				slog.String("error", failErr.Error()),
			)
		}
		return stats, fmt.Errorf("processing failed: %w", err)
	}

	err = s.tracker.MarkCompleted(ctx, sess.ID, session.FinalCounts{
		TotalItems:    len(result.Items),
		ImportedItems: result.ItemsSynced,
	})
	if err != nil {
		// A concurrent cancellation may have won the terminal race; the
		// work itself succeeded, so report the conflict without undoing it.
		if errors.Is(err, session.ErrSessionTerminal) {
			s.logger.Warn("session finalized elsewhere before completion",
				slog.String("session_id", sess.ID),
			)
			return stats, nil
		}
		return stats, err
	}

	return stats, nil
}

// importPhase fetches raw items, consuming progress events into the
// tracker. An auth-shaped provider failure triggers one opportunistic
// token refresh before the import is retried.
func (s *Service) importPhase(ctx context.Context, sessionID, userID string, svc session.Service) (*SyncResult, error) {
	provider := providerFor(svc)

	accessToken, err := s.tokens.AccessToken(ctx, userID, provider, string(svc))
	if err != nil {
		return nil, err
	}

	importing := session.StatusImporting
	step := "Importing items"
	zero := 0.0
	if err := s.tracker.UpdateProgress(ctx, sessionID, session.Patch{
		Status:             &importing,
		CurrentStep:        &step,
		ProgressPercentage: &zero,
	}); err != nil {
		return nil, err
	}

	result, err := s.runImport(ctx, sessionID, userID, accessToken, svc)
	if err != nil && classify.Classify(err).Category == classify.CategoryAuth {
		s.logger.Warn("import hit auth failure, refreshing token",
			slog.String("user_id", userID),
			slog.String("service", string(svc)),
		)
		refreshed, refreshErr := s.tokens.Refresh(ctx, userID, provider, string(svc))
		if refreshErr != nil {
			return nil, refreshErr
		}
		result, err = s.runImport(ctx, sessionID, userID, refreshed, svc)
	}

	return result, err
}

// runImport calls the provider with an event consumer goroutine that
// maps import progress onto the first half of the session's range.
func (s *Service) runImport(ctx context.Context, sessionID, userID, accessToken string, svc session.Service) (*SyncResult, error) {
	events := make(chan ProgressEvent, 16)
	consumerDone := make(chan struct{})

	go func() {
		defer close(consumerDone)
		for ev := range events {
			pct := ev.Percentage / 2 // import covers 0-50%
			imported := ev.Imported
			total := ev.Total
			err := s.tracker.UpdateProgress(ctx, sessionID, session.Patch{
				ProgressPercentage: &pct,
				ImportedItems:      &imported,
				TotalItems:         &total,
			})
			if err != nil {
				s.logger.Warn("failed to record import progress",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	result, err := s.provider.Sync(ctx, userID, accessToken, svc, events)
	close(events)
	<-consumerDone

	return result, err
}

func (s *Service) enqueueNormalization(ctx context.Context, sessionID, userID string, svc session.Service, items []json.RawMessage) (string, []string, error) {
	payloads := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(normalizePayload{
			SessionID: sessionID,
			Service:   svc,
			Item:      item,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to build normalize payload: %w", err)
		}
		payloads = append(payloads, raw)
	}

	return s.jobs.EnqueueBatch(ctx, userID, jobs.KindNormalize, payloads)
}

// processPhase drains the user's queue inline. Follow-up jobs enqueued
// by handlers (embeds) are picked up by subsequent passes, bounded so a
// misbehaving handler cannot spin the request forever.
func (s *Service) processPhase(ctx context.Context, sessionID, userID string, totalItems int) (processed, failed int, err error) {
	processing := session.StatusProcessing
	step := "Processing items"
	half := 50.0
	if updateErr := s.tracker.UpdateProgress(ctx, sessionID, session.Patch{
		Status:             &processing,
		CurrentStep:        &step,
		ProgressPercentage: &half,
	}); updateErr != nil {
		return 0, 0, updateErr
	}

	const maxPasses = 3
	for pass := 0; pass < maxPasses; pass++ {
		summary, runErr := s.runner.ProcessUserJobs(ctx, userID, s.maxJobsPerRun)
		if runErr != nil {
			return processed, failed, runErr
		}
		if summary.Processed == 0 {
			break
		}

		processed += summary.Processed

		// Session counters are item-scoped: chained embed jobs and retry
		// re-claims inflate the job totals, so only terminal normalize
		// failures count as failed items.
		terminalFailures := 0
		failedItems := 0
		for _, jobErr := range summary.Errors {
			if jobErr.WillRetry {
				continue
			}
			terminalFailures++
			if jobErr.Kind == jobs.KindNormalize {
				failedItems++
			}
		}
		failed += terminalFailures

		if failedItems > 0 {
			if countErr := s.tracker.AddCounts(ctx, sessionID, 0, failedItems, nil); countErr != nil {
				s.logger.Warn("failed to record failed item counts",
					slog.String("session_id", sessionID),
					slog.String("error", countErr.Error()),
				)
			}
		}

		if totalItems > 0 {
			pct := 50 + float64(processed)/float64(totalItems)*50
			if pct > 99 {
				pct = 99 // 100% is stamped by completion
			}
			if updateErr := s.tracker.UpdateProgress(ctx, sessionID, session.Patch{ProgressPercentage: &pct}); updateErr != nil {
				s.logger.Warn("failed to record processing progress",
					slog.String("session_id", sessionID),
					slog.String("error", updateErr.Error()),
				)
			}
		}
	}

	return processed, failed, nil
}

func (s *Service) recordFailure(err error) {
	if s.recorder != nil {
		s.recorder.Record(err, time.Now())
	}
}

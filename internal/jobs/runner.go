package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
)

// DefaultMaxAttempts bounds how many times a retryable job runs before
// it is terminally failed.
const DefaultMaxAttempts = 3

// Handler executes one claimed job and returns an optional result blob.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

// JobError summarizes one failed job inside a Summary.
type JobError struct {
	JobID     string            `json:"job_id"`
	Kind      Kind              `json:"kind"`
	Category  classify.Category `json:"category"`
	Message   string            `json:"message"`
	WillRetry bool              `json:"will_retry"`
}

// Summary aggregates one ProcessUserJobs call. Processed always equals
// Succeeded + Failed; requeued jobs count as failed for this call.
type Summary struct {
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Errors    []JobError `json:"errors,omitempty"`
}

// errorDetail is what MarkError embeds in the job's result column.
type errorDetail struct {
	Classification classify.Classification `json:"classification"`
	Message        string                  `json:"message"`
	Attempts       int                     `json:"attempts"`
	FailedAt       time.Time               `json:"failed_at"`
}

// Runner claims queued jobs and executes them inline. Handlers are
// registered per kind before the first ProcessUserJobs call; the
// registry is not mutated afterwards.
type Runner struct {
	store       Store
	logger      *slog.Logger
	recorder    *classify.Recorder
	handlers    map[Kind]Handler
	maxAttempts int
}

// NewRunner creates a Runner. recorder may be nil when failure
// aggregation is not wanted (tests, one-off tools).
func NewRunner(store Store, logger *slog.Logger, recorder *classify.Recorder, maxAttempts int) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Runner{
		store:       store,
		logger:      logger,
		recorder:    recorder,
		handlers:    make(map[Kind]Handler),
		maxAttempts: maxAttempts,
	}
}

// Register installs the handler for a job kind.
func (r *Runner) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// ProcessUserJobs atomically claims up to max queued jobs for the user,
// oldest first, and runs each to completion. Handler failures are
// classified: retryable failures requeue until maxAttempts, everything
// else is terminal immediately. The returned error covers only claim
// failures; per-job failures are reported through the Summary.
func (r *Runner) ProcessUserJobs(ctx context.Context, userID string, max int) (Summary, error) {
	claimed, err := r.store.ClaimPending(ctx, userID, max)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to claim jobs for user %s: %w", userID, err)
	}

	summary := Summary{Processed: len(claimed)}

	for _, job := range claimed {
		if err := r.runOne(ctx, job, &summary); err != nil {
			r.logger.Error("job bookkeeping failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("processed user jobs",
		slog.String("user_id", userID),
		slog.Int("processed", summary.Processed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)

	return summary, nil
}

func (r *Runner) runOne(ctx context.Context, job Job, summary *Summary) error {
	handler, ok := r.handlers[job.Kind]
	if !ok {
		summary.Failed++
		summary.Errors = append(summary.Errors, JobError{
			JobID:    job.ID,
			Kind:     job.Kind,
			Category: classify.CategoryValidation,
			Message:  ErrUnknownKind.Error(),
		})
		return r.failTerminally(ctx, job, classify.Classify(&classify.HTTPError{Status: 400, Message: ErrUnknownKind.Error()}), ErrUnknownKind.Error())
	}

	result, handlerErr := handler(ctx, job)
	if handlerErr == nil {
		summary.Succeeded++
		return r.store.MarkDone(ctx, job.ID, result)
	}

	cls := classify.Classify(handlerErr)
	if r.recorder != nil {
		r.recorder.Record(handlerErr, time.Now())
	}

	retry := cls.Retryable && job.Attempts < r.maxAttempts
	summary.Failed++
	summary.Errors = append(summary.Errors, JobError{
		JobID:     job.ID,
		Kind:      job.Kind,
		Category:  cls.Category,
		Message:   handlerErr.Error(),
		WillRetry: retry,
	})

	if retry {
		r.logger.Warn("job failed, requeueing",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.String("category", string(cls.Category)),
			slog.Int("attempts", job.Attempts),
		)
		return r.store.Requeue(ctx, job.ID)
	}

	r.logger.Warn("job failed terminally",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("category", string(cls.Category)),
		slog.Bool("retryable", cls.Retryable),
		slog.Int("attempts", job.Attempts),
	)
	return r.failTerminally(ctx, job, cls, handlerErr.Error())
}

func (r *Runner) failTerminally(ctx context.Context, job Job, cls classify.Classification, msg string) error {
	detail, err := json.Marshal(errorDetail{
		Classification: cls,
		Message:        msg,
		Attempts:       job.Attempts,
		FailedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal error detail: %w", err)
	}
	return r.store.MarkError(ctx, job.ID, detail)
}

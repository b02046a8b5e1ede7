package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists jobs. Implementations must make ClaimPending atomic:
// two concurrent callers must never claim the same row.
type Store interface {
	// Enqueue inserts a queued job and returns its id. An empty batchID
	// leaves the job unbatched.
	Enqueue(ctx context.Context, userID string, kind Kind, payload json.RawMessage, batchID string) (string, error)

	// EnqueueBatch inserts one queued job per payload, all sharing a
	// fresh batch id, in a single transaction.
	EnqueueBatch(ctx context.Context, userID string, kind Kind, payloads []json.RawMessage) (batchID string, ids []string, err error)

	// ClaimPending flips up to max queued jobs for the user to
	// processing, oldest-created first, incrementing attempts, and
	// returns the claimed rows. Selection and transition happen in one
	// statement.
	ClaimPending(ctx context.Context, userID string, max int) ([]Job, error)

	// MarkDone transitions a processing job to done with its result.
	MarkDone(ctx context.Context, jobID string, result json.RawMessage) error

	// Requeue returns a processing job to queued for a later retry.
	Requeue(ctx context.Context, jobID string) error

	// MarkError terminally fails a processing job, embedding the error
	// classification in the job's result.
	MarkError(ctx context.Context, jobID string, detail json.RawMessage) error

	// BatchStatus returns per-status counts for one batch.
	BatchStatus(ctx context.Context, batchID string) (map[Status]int, error)

	// List returns jobs matching the filter, newest first, fetching one
	// extra row past PageSize so callers can detect another page.
	List(ctx context.Context, filter ListFilter) ([]Job, error)
}

// ListFilter selects jobs for listing with cursor pagination.
type ListFilter struct {
	UserID   string
	Kind     string
	Status   string
	BatchID  string
	PageSize int
	Cursor   *Cursor
}

// Cursor marks a position in the (created_at, id) ordering.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = "id, user_id, kind, payload, status, attempts, batch_id, result, created_at, updated_at"

func (s *PostgresStore) Enqueue(ctx context.Context, userID string, kind Kind, payload json.RawMessage, batchID string) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO jobs (id, user_id, kind, payload, status, attempts, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`

	_, err := s.db.ExecContext(ctx, query, id, userID, kind, []byte(payload), StatusQueued, batchID)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

func (s *PostgresStore) EnqueueBatch(ctx context.Context, userID string, kind Kind, payloads []json.RawMessage) (string, []string, error) {
	batchID := uuid.New().String()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to begin batch enqueue: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (id, user_id, kind, payload, status, attempts, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`

	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id := uuid.New().String()
		if _, err := tx.ExecContext(ctx, query, id, userID, kind, []byte(payload), StatusQueued, batchID); err != nil {
			return "", nil, fmt.Errorf("failed to enqueue batch job: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("failed to commit batch enqueue: %w", err)
	}

	return batchID, ids, nil
}

func (s *PostgresStore) ClaimPending(ctx context.Context, userID string, max int) ([]Job, error) {
	// Single-statement claim: the subquery locks eligible rows with
	// SKIP LOCKED so concurrent callers never double-claim.
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE user_id = $2 AND status = $3
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var claimed []Job
	if err := s.db.SelectContext(ctx, &claimed, query, StatusProcessing, userID, StatusQueued, max); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	// RETURNING order is unspecified; restore oldest-first.
	sortByCreatedAt(claimed)

	return claimed, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.transition(ctx, jobID, StatusProcessing, StatusDone, result)
}

func (s *PostgresStore) Requeue(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, StatusProcessing, StatusQueued, nil)
}

func (s *PostgresStore) MarkError(ctx context.Context, jobID string, detail json.RawMessage) error {
	return s.transition(ctx, jobID, StatusProcessing, StatusError, detail)
}

func (s *PostgresStore) transition(ctx context.Context, jobID string, from, to Status, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = COALESCE($2, result),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, to, resultBytes(result), jobID, from)
	if err != nil {
		return fmt.Errorf("failed to transition job to %s: %w", to, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s to %s: %w", jobID, to, ErrInvalidTransition)
	}

	return nil
}

func (s *PostgresStore) BatchStatus(ctx context.Context, batchID string) (map[Status]int, error) {
	query := `
		SELECT status, COUNT(*) AS count
		FROM jobs
		WHERE batch_id = $1
		GROUP BY status
	`

	rows := []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to get batch status: %w", err)
	}

	counts := make(map[Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func resultBytes(result json.RawMessage) interface{} {
	if result == nil {
		return nil
	}
	return []byte(result)
}

func sortByCreatedAt(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

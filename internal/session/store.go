package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists sync sessions. Terminal transitions and cancellation
// are compare-and-swap: they succeed only while the row is still in a
// non-terminal status, so a racing completion and cancellation cannot
// both win.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id, userID string) (*Session, error)

	// Apply applies a patch. When the patch moves the session into a
	// terminal status the update is CAS-guarded and stamps completed_at.
	Apply(ctx context.Context, id string, p Patch) error

	// AddCounts atomically increments the processed/failed counters and
	// optionally the progress percentage of a non-terminal session.
	AddCounts(ctx context.Context, id string, processedDelta, failedDelta int, percentage *float64) error

	// Cancel CAS-transitions a non-terminal session to cancelled.
	Cancel(ctx context.Context, id, userID string) error

	// DeleteOlderThan removes sessions started before the cutoff and
	// returns how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, service, status, progress_percentage, current_step,
	total_items, imported_items, processed_items, failed_items,
	error_details, preferences, started_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sync_sessions (
			id, user_id, service, status, progress_percentage, current_step,
			total_items, imported_items, processed_items, failed_items,
			preferences, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.Service, sess.Status,
		sess.ProgressPercentage, sess.CurrentStep,
		sess.TotalItems, sess.ImportedItems, sess.ProcessedItems, sess.FailedItems,
		prefsBytes(sess.Preferences), sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, userID string) (*Session, error) {
	query := "SELECT " + sessionColumns + " FROM sync_sessions WHERE id = $1 AND user_id = $2"

	var sess Session
	if err := s.db.GetContext(ctx, &sess, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}

	return &sess, nil
}

func (s *PostgresStore) Apply(ctx context.Context, id string, p Patch) error {
	set := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.ProgressPercentage != nil {
		add("progress_percentage", *p.ProgressPercentage)
	}
	if p.CurrentStep != nil {
		add("current_step", *p.CurrentStep)
	}
	if p.TotalItems != nil {
		add("total_items", *p.TotalItems)
	}
	if p.ImportedItems != nil {
		add("imported_items", *p.ImportedItems)
	}
	if p.ProcessedItems != nil {
		add("processed_items", *p.ProcessedItems)
	}
	if p.FailedItems != nil {
		add("failed_items", *p.FailedItems)
	}
	if p.ErrorDetails != nil {
		raw, err := json.Marshal(p.ErrorDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
		add("error_details", raw)
	}

	if len(set) == 0 {
		return nil
	}

	toTerminal := p.Status != nil && Terminal(*p.Status)
	if toTerminal {
		set = append(set, "completed_at = NOW()")
	}

	query := "UPDATE sync_sessions SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d", argIdx)
	args = append(args, id)
	argIdx++

	// Updates only land on live sessions; a terminal transition must be
	// the one that wins the race.
	query += fmt.Sprintf(" AND status IN ($%d, $%d, $%d)", argIdx, argIdx+1, argIdx+2)
	args = append(args, StatusStarted, StatusImporting, StatusProcessing)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.conflictReason(ctx, id)
	}

	return nil
}

func (s *PostgresStore) AddCounts(ctx context.Context, id string, processedDelta, failedDelta int, percentage *float64) error {
	query := `
		UPDATE sync_sessions
		SET processed_items = processed_items + $1,
		    failed_items = failed_items + $2,
		    progress_percentage = COALESCE($3, progress_percentage)
		WHERE id = $4 AND status IN ($5, $6, $7)
	`

	res, err := s.db.ExecContext(ctx, query,
		processedDelta, failedDelta, percentageArg(percentage),
		id, StatusStarted, StatusImporting, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.conflictReason(ctx, id)
	}

	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id, userID string) error {
	query := `
		UPDATE sync_sessions
		SET status = $1, completed_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status IN ($4, $5, $6)
	`

	res, err := s.db.ExecContext(ctx, query,
		StatusCancelled, id, userID,
		StatusStarted, StatusImporting, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel sync session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id, userID); getErr != nil {
			return getErr
		}
		return ErrSessionTerminal
	}

	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_sessions WHERE started_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// conflictReason distinguishes a missing session from a terminal one
// after a zero-row update.
func (s *PostgresStore) conflictReason(ctx context.Context, id string) error {
	var status Status
	err := s.db.GetContext(ctx, &status, "SELECT status FROM sync_sessions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check sync session status: %w", err)
	}
	return ErrSessionTerminal
}

func prefsBytes(p json.RawMessage) interface{} {
	if p == nil {
		return nil
	}
	return []byte(p)
}

func percentageArg(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// Package jobs implements the persisted job queue and the inline runner
// that drains it. Jobs are plain database rows; there is no broker and
// no resident worker process. Processing happens inside the request
// that triggered it, bounded by a per-call batch size.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the handler responsible for a job's payload.
type Kind string

const (
	KindNormalize    Kind = "normalize"
	KindEmbed        Kind = "embed"
	KindMailSync     Kind = "mail_sync"
	KindCalendarSync Kind = "calendar_sync"
)

// Status is the lifecycle state of a job.
//
// Transitions: queued -> processing -> done | queued (retry) | error.
// Only the runner mutates a job after enqueue.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Job is one persisted unit of work. Payload is opaque to the queue and
// interpreted only by the handler registered for the job's Kind.
type Job struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Kind      Kind            `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    Status          `db:"status" json:"status"`
	Attempts  int             `db:"attempts" json:"attempts"`
	BatchID   string          `db:"batch_id" json:"batch_id"`
	Result    json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update targets a
	// job that is no longer in the expected state.
	ErrInvalidTransition = errors.New("job is not in the expected status")

	// ErrUnknownKind is returned when no handler is registered for a
	// claimed job's kind.
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// ValidKind reports whether k belongs to the closed set of job kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindNormalize, KindEmbed, KindMailSync, KindCalendarSync:
		return true
	}
	return false
}

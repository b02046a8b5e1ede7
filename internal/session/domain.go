// Package session tracks the lifecycle of one end-to-end sync run
// (import then normalize) and exposes progress for client polling.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Service identifies which provider surface a session syncs.
type Service string

const (
	ServiceMail      Service = "mail"
	ServiceCalendar  Service = "calendar"
	ServiceFileStore Service = "file_store"
)

// ValidService reports whether s is a known sync service.
func ValidService(s Service) bool {
	switch s {
	case ServiceMail, ServiceCalendar, ServiceFileStore:
		return true
	}
	return false
}

// Status is the lifecycle state of a sync session. The terminal states
// are completed, failed and cancelled; CompletedAt is set exactly once,
// on the first terminal transition.
type Status string

const (
	StatusStarted    Status = "started"
	StatusImporting  Status = "importing"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether st is a terminal status.
func Terminal(st Status) bool {
	return st == StatusCompleted || st == StatusFailed || st == StatusCancelled
}

// ErrorDetails is the structured failure payload retained on a failed
// session alongside whatever counters it accumulated.
type ErrorDetails struct {
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	Stage      string    `json:"stage,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Session is the persisted record of one sync run.
type Session struct {
	ID                 string          `db:"id" json:"id"`
	UserID             string          `db:"user_id" json:"user_id"`
	Service            Service         `db:"service" json:"service"`
	Status             Status          `db:"status" json:"status"`
	ProgressPercentage float64         `db:"progress_percentage" json:"progress_percentage"`
	CurrentStep        string          `db:"current_step" json:"current_step"`
	TotalItems         int             `db:"total_items" json:"total_items"`
	ImportedItems      int             `db:"imported_items" json:"imported_items"`
	ProcessedItems     int             `db:"processed_items" json:"processed_items"`
	FailedItems        int             `db:"failed_items" json:"failed_items"`
	ErrorDetailsRaw    []byte          `db:"error_details" json:"-"`
	Preferences        json.RawMessage `db:"preferences" json:"preferences,omitempty"`
	StartedAt          time.Time       `db:"started_at" json:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at" json:"-"`
}

// ErrorDetails decodes the stored error payload, nil when none is set.
func (s *Session) ErrorDetails() *ErrorDetails {
	if len(s.ErrorDetailsRaw) == 0 {
		return nil
	}
	var d ErrorDetails
	if err := json.Unmarshal(s.ErrorDetailsRaw, &d); err != nil {
		return nil
	}
	return &d
}

// Patch is a partial update to a session. Nil fields are left
// untouched, making optionality explicit instead of relying on
// sentinel values.
type Patch struct {
	Status             *Status
	ProgressPercentage *float64
	CurrentStep        *string
	TotalItems         *int
	ImportedItems      *int
	ProcessedItems     *int
	FailedItems        *int
	ErrorDetails       *ErrorDetails
}

var (
	// ErrSessionNotFound is returned when a session id does not exist
	// or is not owned by the caller.
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrSessionTerminal is returned when an update or cancellation
	// targets a session that has already reached a terminal status.
	ErrSessionTerminal = errors.New("sync session already in a terminal status")

	// ErrInvalidCounter is returned when a progress update carries a
	// negative item counter.
	ErrInvalidCounter = errors.New("item counters must be non-negative")
)

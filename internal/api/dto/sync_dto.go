package dto

import (
	"encoding/json"
)

// RunSyncRequest is the optional body for POST /sync/:service/run.
type RunSyncRequest struct {
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// RunSyncStats reports what one blocking sync accomplished.
type RunSyncStats struct {
	SyncedItems   int    `json:"synced_items"`
	ProcessedJobs int    `json:"processed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
	BatchID       string `json:"batch_id"`
}

// RunSyncResponse is the body for POST /sync/:service/run.
type RunSyncResponse struct {
	SessionID string       `json:"session_id"`
	Message   string       `json:"message"`
	Stats     RunSyncStats `json:"stats"`
}

// ListJobsRequest filters the job listing.
type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	BatchID  string `form:"batch_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// JobDTO is the wire shape of one job.
type JobDTO struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	BatchID   string          `json:"batch_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// ListJobsResponse is the body for GET /jobs.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// BatchStatusResponse reports per-status counts for one batch.
type BatchStatusResponse struct {
	BatchID string         `json:"batch_id"`
	Counts  map[string]int `json:"counts"`
}

// CleanupSessionsRequest is the body for POST /sessions/cleanup.
type CleanupSessionsRequest struct {
	Days int `json:"days" binding:"required,min=1"`
}

// CleanupSessionsResponse reports how many sessions were removed.
type CleanupSessionsResponse struct {
	Removed int `json:"removed"`
}

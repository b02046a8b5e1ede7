package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizflowhq/sync-core/internal/api/dto"
	"github.com/bizflowhq/sync-core/internal/jobs"
)

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs with filtering and cursor pagination.
func (h *SyncHandler) ListJobs(c *gin.Context) {
	userID := UserID(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid cursor",
		})
		return
	}

	filter := jobs.ListFilter{
		UserID:   userID,
		Kind:     req.Kind,
		Status:   req.Status,
		BatchID:  req.BatchID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	rows, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list jobs",
		})
		return
	}

	hasMore := len(rows) > req.PageSize
	if hasMore {
		rows = rows[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(rows))
	for i, job := range rows {
		jobResponse[i] = dto.JobDTO{
			ID:        job.ID,
			UserID:    job.UserID,
			Kind:      string(job.Kind),
			Status:    string(job.Status),
			Attempts:  job.Attempts,
			BatchID:   job.BatchID,
			Result:    job.Result,
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
			UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		last := rows[len(rows)-1]
		nextCursor = EncodeJobCursor(&jobs.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// BatchStatus handles GET /api/v1/jobs/batches/:batch_id
// Returns per-status counts for one enqueue batch.
func (h *SyncHandler) BatchStatus(c *gin.Context) {
	batchID := c.Param("batch_id")

	counts, err := h.jobs.BatchStatus(c.Request.Context(), batchID)
	if err != nil {
		h.logger.Error("failed to get batch status",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get batch status",
		})
		return
	}

	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}

	c.JSON(http.StatusOK, dto.BatchStatusResponse{
		BatchID: batchID,
		Counts:  out,
	})
}

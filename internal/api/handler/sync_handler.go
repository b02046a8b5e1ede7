package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizflowhq/sync-core/internal/api/dto"
	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/token"
)

// RunSync handles POST /api/v1/sync/:service/run
// Runs a blocking sync: import, enqueue, inline processing.
func (h *SyncHandler) RunSync(c *gin.Context) {
	userID := UserID(c)
	service := session.Service(c.Param("service"))

	if !session.ValidService(service) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown sync service",
		})
		return
	}

	var req dto.RunSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Error("invalid run sync body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid request body",
			})
			return
		}
	}

	h.logger.Info("blocking sync requested",
		slog.String("user_id", userID),
		slog.String("service", string(service)),
	)

	stats, err := h.syncer.Run(c.Request.Context(), userID, service, req.Preferences)
	if err != nil {
		sessionID := ""
		if stats != nil {
			sessionID = stats.SessionID
		}
		h.respondSyncFailure(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, dto.RunSyncResponse{
		SessionID: stats.SessionID,
		Message:   "sync completed",
		Stats: dto.RunSyncStats{
			SyncedItems:   stats.SyncedItems,
			ProcessedJobs: stats.ProcessedJobs,
			FailedJobs:    stats.FailedJobs,
			BatchID:       stats.BatchID,
		},
	})
}

// respondSyncFailure maps a failed run to a status code while still
// returning the session id so the client can inspect retained progress.
func (h *SyncHandler) respondSyncFailure(c *gin.Context, sessionID string, err error) {
	cls := classify.Classify(err)

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, token.ErrIntegrationNotFound), errors.Is(err, token.ErrProviderNotConfigured):
		status = http.StatusPreconditionFailed
	case errors.Is(err, token.ErrReauthRequired):
		status = http.StatusUnauthorized
	case cls.Category == classify.CategoryValidation:
		status = http.StatusUnprocessableEntity
	}

	h.logger.Error("blocking sync failed",
		slog.String("session_id", sessionID),
		slog.String("category", string(cls.Category)),
		slog.String("error", err.Error()),
	)

	c.JSON(status, gin.H{
		"error":      err.Error(),
		"category":   cls.Category,
		"retryable":  cls.Retryable,
		"session_id": sessionID,
	})
}

// GetProgress handles GET /api/v1/sync/progress/:session_id
func (h *SyncHandler) GetProgress(c *gin.Context) {
	userID := UserID(c)
	sessionID := c.Param("session_id")

	view, err := h.tracker.Progress(c.Request.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "sync session not found",
			})
			return
		}
		h.logger.Error("failed to get progress",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get sync progress",
		})
		return
	}

	c.JSON(http.StatusOK, view)
}

// CancelSession handles DELETE /api/v1/sync/progress/:session_id
// Cancelling a session that already reached a terminal status is a
// conflict, not a silent success.
func (h *SyncHandler) CancelSession(c *gin.Context) {
	userID := UserID(c)
	sessionID := c.Param("session_id")

	err := h.tracker.Cancel(c.Request.Context(), sessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "sync session not found",
			})
		case errors.Is(err, session.ErrSessionTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error": "sync session already finished",
			})
		default:
			h.logger.Error("failed to cancel session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to cancel sync session",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     session.StatusCancelled,
	})
}

// ErrorSummary handles GET /api/v1/errors/summary
// Aggregates recent classified failures into patterns and an urgency score.
func (h *SyncHandler) ErrorSummary(c *gin.Context) {
	now := time.Now()
	failures := h.recorder.Recent(now, h.errorWindow)
	c.JSON(http.StatusOK, classify.Summarize(failures, now))
}

// CleanupSessions handles POST /api/v1/sync/sessions/cleanup
func (h *SyncHandler) CleanupSessions(c *gin.Context) {
	var req dto.CleanupSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "days must be a positive integer",
		})
		return
	}

	removed, err := h.tracker.CleanupOld(c.Request.Context(), req.Days)
	if err != nil {
		h.logger.Error("session cleanup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to clean up sessions",
		})
		return
	}

	c.JSON(http.StatusOK, dto.CleanupSessionsResponse{Removed: removed})
}

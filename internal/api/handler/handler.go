package handler

import (
	"log/slog"
	"time"

	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/syncer"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Syncer      *syncer.Service
	Tracker     *session.Tracker
	Jobs        jobs.Store
	Recorder    *classify.Recorder
	ErrorWindow time.Duration
}

// SyncHandler handles sync and job related HTTP requests
type SyncHandler struct {
	logger      *slog.Logger
	syncer      *syncer.Service
	tracker     *session.Tracker
	jobs        jobs.Store
	recorder    *classify.Recorder
	errorWindow time.Duration
}

// NewSyncHandler creates a new SyncHandler instance
func NewSyncHandler(deps *Dependencies) *SyncHandler {
	window := deps.ErrorWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &SyncHandler{
		logger:      deps.Logger,
		syncer:      deps.Syncer,
		tracker:     deps.Tracker,
		jobs:        deps.Jobs,
		recorder:    deps.Recorder,
		errorWindow: window,
	}
}

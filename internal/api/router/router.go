package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizflowhq/sync-core/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "sync-service",
		})
	})

	syncHandler := handler.NewSyncHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(RequireUser())
	{
		sync := v1.Group("/sync")
		{
			// POST /api/v1/sync/:service/run - run a blocking sync
			sync.POST("/:service/run", syncHandler.RunSync)

			// GET /api/v1/sync/progress/:session_id - poll progress
			sync.GET("/progress/:session_id", syncHandler.GetProgress)

			// DELETE /api/v1/sync/progress/:session_id - cancel
			sync.DELETE("/progress/:session_id", syncHandler.CancelSession)

			// POST /api/v1/sync/sessions/cleanup - retention cleanup
			sync.POST("/sessions/cleanup", syncHandler.CleanupSessions)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - list jobs with filtering and pagination
			jobs.GET("", syncHandler.ListJobs)

			// GET /api/v1/jobs/batches/:batch_id - batch status counts
			jobs.GET("/batches/:batch_id", syncHandler.BatchStatus)
		}

		// GET /api/v1/errors/summary - urgency summary of recent failures
		v1.GET("/errors/summary", syncHandler.ErrorSummary)
	}

	return r
}

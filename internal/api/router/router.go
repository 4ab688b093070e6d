package router

import (
	"github.com/gin-gonic/gin"

	"github.com/symphonyhq/messenger/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
// The same router serves both the api-service and the worker-service
// admin surface; worker stats are only routed when a StatsFunc is set.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	messageHandler := handler.NewMessageHandler(deps)
	deadLetterHandler := handler.NewDeadLetterHandler(deps)
	systemHandler := handler.NewSystemHandler(deps)

	// Health check endpoint
	r.GET("/health", systemHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		messages := v1.Group("/messages")
		{
			// POST /api/v1/messages - Dispatch a message
			messages.POST("", messageHandler.Dispatch)
		}

		deadLetters := v1.Group("/dead-letters")
		{
			// GET /api/v1/dead-letters - List dead-lettered messages
			deadLetters.GET("", deadLetterHandler.List)

			// POST /api/v1/dead-letters/:id/retry - Re-dispatch a dead letter
			deadLetters.POST("/:id/retry", deadLetterHandler.Retry)

			// DELETE /api/v1/dead-letters/:id - Discard a dead letter
			deadLetters.DELETE("/:id", deadLetterHandler.Delete)
		}

		// GET /api/v1/metrics - Processing stats over a window
		v1.GET("/metrics", systemHandler.Metrics)

		if deps.StatsFunc != nil {
			// GET /api/v1/worker/stats - Live worker counters
			v1.GET("/worker/stats", systemHandler.WorkerStats)
		}
	}

	return r
}

package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/symphonyhq/messenger/internal/messenger/health"
)

// Health handles GET /health. Unhealthy maps to 503 so load balancers can
// act on the status code alone; degraded still serves traffic and stays 200.
func (h *SystemHandler) Health(c *gin.Context) {
	snapshot := h.health.Check(c.Request.Context())

	code := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, snapshot)
}

// Metrics handles GET /api/v1/metrics?window=5m. The window is clamped to
// the collector's retention; an absent or invalid window defaults to 5m.
func (h *SystemHandler) Metrics(c *gin.Context) {
	window := 5 * time.Minute
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid window: " + strconv.Quote(raw),
			})
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	c.JSON(http.StatusOK, gin.H{
		"window":     window.String(),
		"error_rate": h.metrics.ErrorRate(window),
		"by_type":    h.metrics.Aggregate(start, end),
	})
}

// WorkerStats handles GET /api/v1/worker/stats. Only routed on services
// that run a worker.
func (h *SystemHandler) WorkerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats())
}

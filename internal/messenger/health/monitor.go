// Package health derives a health snapshot from transport and worker state.
// A health probe never returns an error: a failed probe is itself an
// unhealthy result with the probe error recorded.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/symphonyhq/messenger/internal/messenger/metrics"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
	"github.com/symphonyhq/messenger/internal/messenger/worker"
)

// Status is the coarse health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is one snapshot.
type Health struct {
	Status     Status        `json:"status"`
	QueueDepth int           `json:"queue_depth"`
	ErrorRate  float64       `json:"error_rate"`
	Uptime     time.Duration `json:"uptime"`
	Message    string        `json:"message,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Config sets the health policy ceilings.
type Config struct {
	// SoftQueueCeiling degrades health when exceeded; HardQueueCeiling
	// makes it unhealthy.
	SoftQueueCeiling int
	HardQueueCeiling int
	// ErrorRateThreshold degrades health when the failure fraction over
	// Window exceeds it.
	ErrorRateThreshold float64
	Window             time.Duration
}

// Monitor checks one transport/queue pair, optionally enriched with worker
// uptime and the metrics collector's error rate.
type Monitor struct {
	logger    *slog.Logger
	transport transport.Transport
	queue     string
	worker    *worker.Worker
	metrics   *metrics.Collector
	cfg       Config
}

// NewMonitor creates a Monitor. Worker and metrics may be nil (the
// api-service probes without either).
func NewMonitor(logger *slog.Logger, tr transport.Transport, queue string, w *worker.Worker, m *metrics.Collector, cfg Config) *Monitor {
	if cfg.SoftQueueCeiling <= 0 {
		cfg.SoftQueueCeiling = 1000
	}
	if cfg.HardQueueCeiling <= 0 {
		cfg.HardQueueCeiling = 10000
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	return &Monitor{
		logger:    logger,
		transport: tr,
		queue:     queue,
		worker:    w,
		metrics:   m,
		cfg:       cfg,
	}
}

// Check produces a health snapshot. It never returns an error.
func (m *Monitor) Check(ctx context.Context) Health {
	h := Health{Status: StatusHealthy, CheckedAt: time.Now()}
	if m.worker != nil {
		h.Uptime = m.worker.Stats().Uptime
	}
	if m.metrics != nil {
		h.ErrorRate = m.metrics.ErrorRate(m.cfg.Window)
	}

	if err := m.transport.Ping(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Message = fmt.Sprintf("transport unreachable: %v", err)
		m.finish(h)
		return h
	}

	depth, err := m.transport.QueueDepth(ctx, m.queue)
	if err != nil {
		h.Status = StatusUnhealthy
		h.Message = fmt.Sprintf("queue depth probe failed: %v", err)
		m.finish(h)
		return h
	}
	h.QueueDepth = depth

	switch {
	case depth > m.cfg.HardQueueCeiling:
		h.Status = StatusUnhealthy
		h.Message = fmt.Sprintf("queue depth %d exceeds hard ceiling %d", depth, m.cfg.HardQueueCeiling)
	case depth > m.cfg.SoftQueueCeiling:
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("queue depth %d exceeds soft ceiling %d", depth, m.cfg.SoftQueueCeiling)
	case h.ErrorRate > m.cfg.ErrorRateThreshold:
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("error rate %.2f exceeds threshold %.2f", h.ErrorRate, m.cfg.ErrorRateThreshold)
	}

	m.finish(h)
	return h
}

func (m *Monitor) finish(h Health) {
	if m.worker != nil {
		m.worker.NotifyHealthCheck(string(h.Status), h.Message)
	}
	if h.Status != StatusHealthy {
		m.logger.Warn("Health check",
			slog.String("status", string(h.Status)),
			slog.Int("queue_depth", h.QueueDepth),
			slog.Float64("error_rate", h.ErrorRate),
			slog.String("message", h.Message),
		)
	}
}

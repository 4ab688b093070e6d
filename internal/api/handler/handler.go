package handler

import (
	"log/slog"

	"github.com/symphonyhq/messenger/internal/messenger/deadletter"
	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/health"
	"github.com/symphonyhq/messenger/internal/messenger/metrics"
	"github.com/symphonyhq/messenger/internal/messenger/worker"
)

// Dependencies holds all dependencies needed by handlers. StatsFunc is nil
// on services that do not run a worker.
type Dependencies struct {
	Logger      *slog.Logger
	Dispatcher  *dispatcher.Dispatcher
	DeadLetters *deadletter.Service
	Health      *health.Monitor
	Metrics     *metrics.Collector
	StatsFunc   func() worker.Stats
}

// MessageHandler handles dispatch requests.
type MessageHandler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(deps *Dependencies) *MessageHandler {
	return &MessageHandler{logger: deps.Logger, dispatcher: deps.Dispatcher}
}

// DeadLetterHandler handles dead-letter administration.
type DeadLetterHandler struct {
	logger  *slog.Logger
	service *deadletter.Service
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(deps *Dependencies) *DeadLetterHandler {
	return &DeadLetterHandler{logger: deps.Logger, service: deps.DeadLetters}
}

// SystemHandler exposes health, metrics and worker stats.
type SystemHandler struct {
	logger  *slog.Logger
	health  *health.Monitor
	metrics *metrics.Collector
	stats   func() worker.Stats
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		logger:  deps.Logger,
		health:  deps.Health,
		metrics: deps.Metrics,
		stats:   deps.StatsFunc,
	}
}

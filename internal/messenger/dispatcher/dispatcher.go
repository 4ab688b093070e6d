// Package dispatcher validates and idempotently enqueues messages onto a
// transport. Dispatch is fire-and-forget: a successful call means exactly
// one durable pending record exists for the request; processing failures are
// only observable through health, metrics or the dead-letter listing.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

// Notifier is an optional wake-up hook invoked after a successful enqueue so
// idle workers can claim promptly instead of waiting out their poll
// interval. The durable transport remains the source of truth; a lost
// notification only delays consumption.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
}

// Request describes a message to dispatch. Transport, Queue and MaxAttempts
// fall back to the dispatcher defaults when empty.
type Request struct {
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Transport      string            `json:"transport,omitempty"`
	Queue          string            `json:"queue,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
}

// Config holds dispatcher construction parameters.
type Config struct {
	Logger             *slog.Logger
	Transports         map[string]transport.Transport
	DefaultTransport   string
	DefaultQueue       string
	DefaultMaxAttempts int
	Notifier           Notifier
}

// Dispatcher routes validated messages to their transport.
type Dispatcher struct {
	logger             *slog.Logger
	transports         map[string]transport.Transport
	defaultTransport   string
	defaultQueue       string
	defaultMaxAttempts int
	notifier           Notifier
}

// New creates a Dispatcher. The transport map is resolved once here; no
// string dispatch happens past construction.
func New(cfg *Config) *Dispatcher {
	return &Dispatcher{
		logger:             cfg.Logger,
		transports:         cfg.Transports,
		defaultTransport:   cfg.DefaultTransport,
		defaultQueue:       cfg.DefaultQueue,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		notifier:           cfg.Notifier,
	}
}

// Dispatch validates the request and enqueues it, returning the message id.
// Calling twice with the same (transport, queue, idempotency key) returns
// the same id without creating a second active message. Validation failures
// are returned synchronously as *domain.ValidationError and never enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (string, error) {
	if err := d.validate(req); err != nil {
		return "", err
	}

	transportName := req.Transport
	if transportName == "" {
		transportName = d.defaultTransport
	}
	tr, ok := d.transports[transportName]
	if !ok {
		return "", domain.NewValidationError("transport", fmt.Sprintf("%q is not configured", transportName))
	}

	queue := req.Queue
	if queue == "" {
		queue = d.defaultQueue
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaultMaxAttempts
	}

	msg := &domain.Message{
		Type:           req.Type,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		Queue:          queue,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
	}

	id, err := tr.Enqueue(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to dispatch message: %w", err)
	}

	d.logger.Info("Message dispatched",
		slog.String("message_id", id),
		slog.String("type", req.Type),
		slog.String("transport", transportName),
		slog.String("queue", queue),
	)

	if d.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := d.notifier.Notify(notifyCtx, queue); err != nil {
			// Best effort only; workers will still pick the message up on
			// their next poll.
			d.logger.Warn("Failed to notify workers",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
		}
	}

	return id, nil
}

func (d *Dispatcher) validate(req *Request) error {
	if req.Type == "" {
		return domain.NewValidationError("type", "is required")
	}
	if len(req.Payload) == 0 {
		return domain.NewValidationError("payload", "is required")
	}
	if !json.Valid(req.Payload) {
		return domain.NewValidationError("payload", "must be valid JSON")
	}
	return nil
}

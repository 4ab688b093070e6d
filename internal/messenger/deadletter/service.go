// Package deadletter exposes administrative operations on terminally failed
// messages: list, retry and delete. Retry re-enters the pipeline through
// the dispatcher, producing a brand-new message; the dead-letter record
// stays behind for audit until explicitly deleted.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

// Service wraps a transport's dead-letter storage with retry semantics.
type Service struct {
	logger     *slog.Logger
	transport  transport.Transport
	dispatcher *dispatcher.Dispatcher
}

// NewService creates a dead-letter Service.
func NewService(logger *slog.Logger, tr transport.Transport, d *dispatcher.Dispatcher) *Service {
	return &Service{logger: logger, transport: tr, dispatcher: d}
}

// List returns dead-letter records matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter transport.FailedFilter) ([]*domain.FailedMessage, error) {
	return s.transport.ListFailed(ctx, filter)
}

// Retry rebuilds a fresh message from the failed record and dispatches it:
// new id, attempts reset to zero. The record itself is left intact. The
// original idempotency key is carried over, so retrying the same record
// twice dedupes onto one active message.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	fm, err := s.transport.GetFailed(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := s.dispatcher.Dispatch(ctx, &dispatcher.Request{
		Type:           fm.Type,
		Payload:        fm.Payload,
		Metadata:       fm.Metadata,
		Transport:      fm.Transport,
		Queue:          fm.Queue,
		IdempotencyKey: fm.IdempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to re-dispatch dead-lettered message: %w", err)
	}

	s.logger.Info("Dead-lettered message retried",
		slog.String("failed_id", fm.ID),
		slog.String("original_message_id", fm.MessageID),
		slog.String("new_message_id", newID),
		slog.String("type", fm.Type),
	)
	return newID, nil
}

// Delete permanently removes a dead-letter record. Deleting an absent
// record succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.transport.DeleteFailed(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Dead-letter record deleted", slog.String("id", id))
	return nil
}

package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// Memory is an in-process Transport. It implements the full contract,
// including idempotency-key dedupe and claim exclusivity, behind a single
// mutex. Used for tests and single-process deployments where durability is
// not required.
type Memory struct {
	name string
	now  func() time.Time

	mu       sync.Mutex
	messages map[string]*domain.Message
	byKey    map[string]string // queue \x00 idempotencyKey -> message id
	failed   map[string]*domain.FailedMessage
	closed   bool
}

// NewMemory creates an empty in-memory transport.
func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		now:      time.Now,
		messages: make(map[string]*domain.Message),
		byKey:    make(map[string]string),
		failed:   make(map[string]*domain.FailedMessage),
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func dedupeKey(queue, key string) string {
	return queue + "\x00" + key
}

func (m *Memory) Enqueue(_ context.Context, msg *domain.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IdempotencyKey != "" {
		if existing, ok := m.byKey[dedupeKey(msg.Queue, msg.IdempotencyKey)]; ok {
			return existing, nil
		}
	}

	stored := cloneMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Transport = m.name
	stored.Status = domain.StatusPending
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = now
	}
	m.messages[stored.ID] = stored
	if stored.IdempotencyKey != "" {
		m.byKey[dedupeKey(stored.Queue, stored.IdempotencyKey)] = stored.ID
	}
	return stored.ID, nil
}

func (m *Memory) Claim(_ context.Context, queue string, batchSize int, workerID string) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates := make([]*domain.Message, 0, batchSize)
	for _, msg := range m.messages {
		if msg.Queue == queue && msg.Status == domain.StatusPending && !msg.AvailableAt.After(now) {
			candidates = append(candidates, msg)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*domain.Message, 0, len(candidates))
	for _, msg := range candidates {
		msg.Status = domain.StatusClaimed
		claimedAt := now
		msg.ClaimedAt = &claimedAt
		msg.ClaimedBy = workerID
		claimed = append(claimed, cloneMessage(msg))
	}
	return claimed, nil
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.Status != domain.StatusClaimed {
		return domain.ErrMessageNotClaimed
	}
	m.remove(msg)
	return nil
}

func (m *Memory) Nack(_ context.Context, id string, delay time.Duration, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.Status != domain.StatusClaimed {
		return domain.ErrMessageNotClaimed
	}
	msg.Attempts++
	msg.LastError = cause
	if msg.Attempts < msg.MaxAttempts {
		msg.Status = domain.StatusPending
		msg.AvailableAt = m.now().Add(delay)
		msg.ClaimedAt = nil
		msg.ClaimedBy = ""
		return nil
	}
	m.deadLetterLocked(msg, cause)
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, id string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.Status != domain.StatusClaimed {
		return domain.ErrMessageNotClaimed
	}
	msg.Attempts++
	m.deadLetterLocked(msg, cause)
	return nil
}

// deadLetterLocked moves msg into the failed set and drops it from the
// active queue. Caller holds the mutex.
func (m *Memory) deadLetterLocked(msg *domain.Message, cause string) {
	m.failed[msg.ID] = &domain.FailedMessage{
		ID:             uuid.New().String(),
		MessageID:      msg.ID,
		Type:           msg.Type,
		Payload:        append([]byte(nil), msg.Payload...),
		Metadata:       cloneMetadata(msg.Metadata),
		Transport:      m.name,
		Queue:          msg.Queue,
		IdempotencyKey: msg.IdempotencyKey,
		Attempts:       msg.Attempts,
		Error:          cause,
		FailedAt:       m.now(),
	}
	m.remove(msg)
}

func (m *Memory) remove(msg *domain.Message) {
	delete(m.messages, msg.ID)
	if msg.IdempotencyKey != "" {
		delete(m.byKey, dedupeKey(msg.Queue, msg.IdempotencyKey))
	}
}

func (m *Memory) ListFailed(_ context.Context, filter FailedFilter) ([]*domain.FailedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.FailedMessage, 0, len(m.failed))
	for _, fm := range m.failed {
		if filter.Queue != "" && fm.Queue != filter.Queue {
			continue
		}
		if filter.Type != "" && fm.Type != filter.Type {
			continue
		}
		out = append(out, cloneFailed(fm))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return strings.Compare(out[i].ID, out[j].ID) > 0
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) GetFailed(_ context.Context, id string) (*domain.FailedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The failed set is keyed by the original message id; fall back to the
	// record's own id so callers can use either.
	fm, ok := m.failed[id]
	if !ok {
		for _, candidate := range m.failed {
			if candidate.ID == id {
				return cloneFailed(candidate), nil
			}
		}
		return nil, domain.ErrFailedMessageNotFound
	}
	return cloneFailed(fm), nil
}

func (m *Memory) DeleteFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.failed[id]; ok {
		delete(m.failed, id)
		return nil
	}
	for key, candidate := range m.failed {
		if candidate.ID == id {
			delete(m.failed, key)
			return nil
		}
	}
	return nil
}

func (m *Memory) Reclaim(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	reclaimed := 0
	for _, msg := range m.messages {
		if msg.Queue != queue || msg.Status != domain.StatusClaimed {
			continue
		}
		if msg.ClaimedAt == nil || msg.ClaimedAt.After(cutoff) {
			continue
		}
		msg.Status = domain.StatusPending
		msg.ClaimedAt = nil
		msg.ClaimedBy = ""
		msg.AvailableAt = m.now()
		reclaimed++
	}
	return reclaimed, nil
}

func (m *Memory) QueueDepth(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, msg := range m.messages {
		if msg.Queue == queue {
			depth++
		}
	}
	return depth, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrTransportUnavailable
	}
	return nil
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneMessage(msg *domain.Message) *domain.Message {
	clone := *msg
	clone.Payload = append([]byte(nil), msg.Payload...)
	clone.Metadata = cloneMetadata(msg.Metadata)
	if msg.ClaimedAt != nil {
		claimedAt := *msg.ClaimedAt
		clone.ClaimedAt = &claimedAt
	}
	return &clone
}

func cloneFailed(fm *domain.FailedMessage) *domain.FailedMessage {
	clone := *fm
	clone.Payload = append([]byte(nil), fm.Payload...)
	clone.Metadata = cloneMetadata(fm.Metadata)
	return &clone
}

func cloneMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

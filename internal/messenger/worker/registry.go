package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// Handler processes one message. Return nil on success, a
// domain.RetryableError to requeue with backoff, or a domain.FatalError to
// dead-letter immediately. Unclassified errors are treated as retryable.
type Handler func(ctx context.Context, msg *domain.Message) error

// Registry maps message types to handlers. Business modules register their
// handlers before the worker starts; registration is still safe afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type, replacing any previous
// binding.
func (r *Registry) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Resolve returns the handler for a message type.
func (r *Registry) Resolve(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgType]
	return h, ok
}

// Types lists registered message types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

package worker

import (
	"sync"
	"time"
)

// EventKind identifies a worker event.
type EventKind string

const (
	EventWorkerStarted    EventKind = "worker_started"
	EventWorkerStopped    EventKind = "worker_stopped"
	EventBatchStart       EventKind = "batch_start"
	EventBatchComplete    EventKind = "batch_complete"
	EventMessageReceived  EventKind = "message_received"
	EventMessageProcessed EventKind = "message_processed"
	EventError            EventKind = "error"
	EventHealthCheck      EventKind = "health_check"
)

// Event is the worker's only coupling point to observability. Health and
// metrics consumers subscribe to the stream rather than being invoked via
// stored callbacks.
type Event struct {
	Kind        EventKind
	At          time.Time
	WorkerID    string
	MessageID   string
	MessageType string
	Duration    time.Duration
	Success     bool
	Attempts    int
	BatchSize   int
	Reason      ShutdownReason
	Err         string
}

// eventBus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining its channel loses events, not the worker.
type eventBus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (b *eventBus) subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

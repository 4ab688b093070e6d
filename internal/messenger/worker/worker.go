// Package worker implements the consumption loop: it claims batches from a
// transport, fans them out to registered handlers under a bounded
// concurrency gate, converts every handler outcome into ack, nack or
// dead-letter, and self-terminates when a configured limit is reached.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

// ErrAlreadyStarted is returned when Start is called on a worker that is
// not stopped. A Worker is single-use: construct a new one to run again.
var ErrAlreadyStarted = errors.New("worker already started")

// Claim failures are transport-level, so they back off at the loop rather
// than consuming message attempts. After this many consecutive failures the
// worker gives up and drains with reason "error".
const maxConsecutiveTransportFailures = 10

const maxClaimBackoff = 30 * time.Second

// Config holds worker construction parameters. Zero values fall back to the
// documented defaults; limits set to zero are disabled.
type Config struct {
	Logger    *slog.Logger
	Transport transport.Transport
	Registry  *Registry

	WorkerID       string
	Queue          string
	BatchSize      int
	MaxConcurrency int
	PollInterval   time.Duration

	// Self-termination limits, all optional.
	MessageLimit uint64        // stop after N processed messages
	TimeLimit    time.Duration // stop after this wall-clock budget
	MemoryLimit  uint64        // stop once heap allocation exceeds this many bytes
	FailureLimit uint64        // stop after N consecutive processing failures

	ShutdownTimeout time.Duration
	Backoff         BackoffPolicy

	// Wake shortcuts the poll sleep when a dispatcher-side notifier signals
	// new work. Optional.
	Wake <-chan struct{}
}

// Worker is the consumption loop with an explicit state machine. All
// observability flows through its event stream; nothing calls back into it.
type Worker struct {
	logger    *slog.Logger
	transport transport.Transport
	registry  *Registry

	workerID       string
	queue          string
	batchSize      int
	maxConcurrency int
	pollInterval   time.Duration

	messageLimit    uint64
	timeLimit       time.Duration
	memoryLimit     uint64
	failureLimit    uint64
	shutdownTimeout time.Duration
	backoff         BackoffPolicy
	wake            <-chan struct{}

	started   atomic.Bool
	state     atomic.Int32
	startedAt atomic.Int64 // unix nanos

	mu        sync.Mutex
	reason    ShutdownReason
	lastError string

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	sem      chan struct{}
	inflight sync.WaitGroup

	counters counters
	events   *eventBus

	// heapInUse is replaceable in tests.
	heapInUse func() uint64
}

// New constructs a Worker. The transport and registry are required; the
// rest of the config falls back to defaults.
func New(cfg *Config) *Worker {
	w := &Worker{
		logger:          cfg.Logger,
		transport:       cfg.Transport,
		registry:        cfg.Registry,
		workerID:        cfg.WorkerID,
		queue:           cfg.Queue,
		batchSize:       cfg.BatchSize,
		maxConcurrency:  cfg.MaxConcurrency,
		pollInterval:    cfg.PollInterval,
		messageLimit:    cfg.MessageLimit,
		timeLimit:       cfg.TimeLimit,
		memoryLimit:     cfg.MemoryLimit,
		failureLimit:    cfg.FailureLimit,
		shutdownTimeout: cfg.ShutdownTimeout,
		backoff:         cfg.Backoff,
		wake:            cfg.Wake,
		stopChan:        make(chan struct{}),
		done:            make(chan struct{}),
		events:          newEventBus(),
		heapInUse:       heapInUse,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.New().String()[:8]
	}
	if w.queue == "" {
		w.queue = "default"
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	if w.maxConcurrency <= 0 {
		w.maxConcurrency = 5
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = 30 * time.Second
	}
	if w.backoff.Base <= 0 {
		w.backoff.Base = time.Second
	}
	if w.backoff.MaxDelay <= 0 {
		w.backoff.MaxDelay = 5 * time.Minute
	}
	w.sem = make(chan struct{}, w.maxConcurrency)
	return w
}

// Subscribe returns a channel of worker events. Slow subscribers lose
// events rather than slowing the worker; the channel closes when the worker
// stops.
func (w *Worker) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	return w.events.subscribe(buffer)
}

// Start runs the poll loop until a limit is reached, the context is
// canceled or Stop is called. It blocks for the lifetime of the worker;
// run it in its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	// One-shot gate: the state returns to stopped after a run, but the stop
	// channel and event bus are spent, so a used worker must never restart.
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.state.Store(int32(StateStarting))
	w.startedAt.Store(time.Now().UnixNano())
	w.state.Store(int32(StateRunning))

	w.logger.Info("Worker started",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queue),
		slog.Int("batch_size", w.batchSize),
		slog.Int("max_concurrency", w.maxConcurrency),
		slog.Duration("poll_interval", w.pollInterval),
	)
	w.publish(Event{Kind: EventWorkerStarted})

	w.loop(ctx)

	w.drain()

	w.state.Store(int32(StateStopped))
	reason := w.shutdownReason()
	w.publish(Event{Kind: EventWorkerStopped, Reason: reason})
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
		slog.String("reason", string(reason)),
		slog.Uint64("processed", w.counters.processed.Load()),
	)
	w.events.close()
	close(w.done)
	return nil
}

// Stop requests a manual drain and blocks until the worker finishes or the
// shutdown timeout elapses.
func (w *Worker) Stop() {
	if !w.started.Load() {
		return
	}
	w.requestStop(ReasonManual)
	select {
	case <-w.done:
	case <-time.After(w.shutdownTimeout + w.pollInterval):
		w.logger.Warn("Worker did not stop within timeout",
			slog.String("worker_id", w.workerID),
		)
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string { return w.queue }

// Stats snapshots the worker's in-memory counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	reason, lastError := w.reason, w.lastError
	w.mu.Unlock()

	var uptime time.Duration
	if started := w.startedAt.Load(); started > 0 {
		uptime = time.Since(time.Unix(0, started))
	}
	return Stats{
		WorkerID:            w.workerID,
		State:               w.State().String(),
		Claimed:             w.counters.claimed.Load(),
		Processed:           w.counters.processed.Load(),
		Succeeded:           w.counters.succeeded.Load(),
		Failed:              w.counters.failed.Load(),
		DeadLettered:        w.counters.deadLettered.Load(),
		ConsecutiveFailures: w.counters.consecutiveFailures.Load(),
		TransportErrors:     w.counters.transportErrors.Load(),
		Uptime:              uptime,
		ShutdownReason:      reason,
		LastError:           lastError,
	}
}

// NotifyHealthCheck publishes a health_check event on behalf of the health
// monitor, keeping observability consumers on the single event stream.
func (w *Worker) NotifyHealthCheck(status, message string) {
	w.publish(Event{Kind: EventHealthCheck, Success: status == "healthy", Err: message})
}

func (w *Worker) loop(ctx context.Context) {
	transportFailures := 0
	claimBackoff := w.pollInterval

	for {
		select {
		case <-ctx.Done():
			w.requestStop(ReasonSignal)
		case <-w.stopChan:
		default:
		}
		if w.State() != StateRunning {
			return
		}
		if w.limitReached() {
			return
		}

		msgs, err := w.transport.Claim(ctx, w.queue, w.batchSize, w.workerID)
		if err != nil {
			if ctx.Err() != nil {
				w.requestStop(ReasonSignal)
				return
			}
			transportFailures++
			w.counters.transportErrors.Add(1)
			w.setLastError(err.Error())
			w.publish(Event{Kind: EventError, Err: err.Error()})
			w.logger.Error("Failed to claim batch",
				slog.String("queue", w.queue),
				slog.Int("consecutive_failures", transportFailures),
				slog.Any("error", err),
			)
			if transportFailures >= maxConsecutiveTransportFailures {
				w.requestStop(ReasonError)
				return
			}
			w.sleep(ctx, claimBackoff)
			claimBackoff *= 2
			if claimBackoff > maxClaimBackoff {
				claimBackoff = maxClaimBackoff
			}
			continue
		}
		transportFailures = 0
		claimBackoff = w.pollInterval

		if len(msgs) == 0 {
			w.sleep(ctx, w.pollInterval)
			continue
		}

		w.counters.claimed.Add(uint64(len(msgs)))
		w.publish(Event{Kind: EventBatchStart, BatchSize: len(msgs)})

		var batch sync.WaitGroup
		dispatched := 0
		for _, msg := range msgs {
			if !w.acquireSlot(ctx) {
				// Shutdown mid-batch: the rest stay claimed for the
				// transport's reclaim policy.
				break
			}
			batch.Add(1)
			w.inflight.Add(1)
			dispatched++
			go w.process(ctx, msg, &batch)
		}
		batch.Wait()
		w.publish(Event{Kind: EventBatchComplete, BatchSize: dispatched})
	}
}

func (w *Worker) process(ctx context.Context, msg *domain.Message, batch *sync.WaitGroup) {
	defer batch.Done()
	defer w.inflight.Done()
	defer func() { <-w.sem }()

	w.publish(Event{
		Kind:        EventMessageReceived,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		Attempts:    msg.Attempts,
	})

	msg.Status = domain.StatusProcessing
	start := time.Now()
	err := w.invoke(ctx, msg)
	duration := time.Since(start)
	w.counters.processed.Add(1)

	// Outcome recording must survive context cancellation during drain;
	// otherwise a finished handler's result would be lost and the message
	// reprocessed.
	outcomeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		w.counters.consecutiveFailures.Store(0)
		if ackErr := w.transport.Ack(outcomeCtx, msg.ID); ackErr != nil {
			// The handler result is lost: the message stays claimed and will
			// be redelivered after reclaim, so this is a transport outcome,
			// not a success.
			w.counters.transportErrors.Add(1)
			w.publish(Event{Kind: EventError, MessageID: msg.ID, Err: ackErr.Error()})
			w.logger.Error("Failed to ack message",
				slog.String("message_id", msg.ID),
				slog.Any("error", ackErr),
			)
			return
		}
		msg.Status = domain.StatusSucceeded
		w.counters.succeeded.Add(1)
		w.publish(Event{
			Kind:        EventMessageProcessed,
			MessageID:   msg.ID,
			MessageType: msg.Type,
			Duration:    duration,
			Success:     true,
			Attempts:    msg.Attempts,
		})
		w.logger.Info("Message processed",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type),
			slog.Duration("duration", duration),
		)
		return
	}

	w.counters.failed.Add(1)
	w.counters.consecutiveFailures.Add(1)
	w.setLastError(err.Error())

	if domain.IsRetryable(err) && msg.AttemptsRemaining() {
		msg.Status = domain.StatusRetryable
		delay := w.backoff.Delay(msg.Attempts)
		if nackErr := w.transport.Nack(outcomeCtx, msg.ID, delay, err.Error()); nackErr != nil {
			w.counters.transportErrors.Add(1)
			w.publish(Event{Kind: EventError, MessageID: msg.ID, Err: nackErr.Error()})
			w.logger.Error("Failed to nack message",
				slog.String("message_id", msg.ID),
				slog.Any("error", nackErr),
			)
		} else if msg.Attempts+1 >= msg.MaxAttempts {
			// The transport forwarded the exhausted message to the
			// dead-letter store inside the nack.
			w.counters.deadLettered.Add(1)
		}
		w.logger.Warn("Message failed, scheduled for retry",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type),
			slog.Int("attempts", msg.Attempts+1),
			slog.Int("max_attempts", msg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	} else {
		if dlErr := w.transport.DeadLetter(outcomeCtx, msg.ID, err.Error()); dlErr != nil {
			w.counters.transportErrors.Add(1)
			w.publish(Event{Kind: EventError, MessageID: msg.ID, Err: dlErr.Error()})
			w.logger.Error("Failed to dead-letter message",
				slog.String("message_id", msg.ID),
				slog.Any("error", dlErr),
			)
		} else {
			msg.Status = domain.StatusDeadLettered
			w.counters.deadLettered.Add(1)
		}
		w.logger.Error("Message dead-lettered",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type),
			slog.Int("attempts", msg.Attempts+1),
			slog.Any("error", err),
		)
	}

	w.publish(Event{
		Kind:        EventMessageProcessed,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		Duration:    duration,
		Success:     false,
		Attempts:    msg.Attempts,
		Err:         err.Error(),
	})
}

// invoke resolves and runs the handler. Panics are converted into fatal
// errors so a handler can never crash the consumption loop.
func (w *Worker) invoke(ctx context.Context, msg *domain.Message) (err error) {
	handler, ok := w.registry.Resolve(msg.Type)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessageType, msg.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewFatalError(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, msg)
}

// limitReached checks the self-termination limits and begins draining when
// one is hit.
func (w *Worker) limitReached() bool {
	if w.messageLimit > 0 && w.counters.processed.Load() >= w.messageLimit {
		w.logger.Info("Message limit reached", slog.Uint64("limit", w.messageLimit))
		w.requestStop(ReasonLimit)
		return true
	}
	if w.timeLimit > 0 {
		started := time.Unix(0, w.startedAt.Load())
		if time.Since(started) >= w.timeLimit {
			w.logger.Info("Time limit reached", slog.Duration("limit", w.timeLimit))
			w.requestStop(ReasonLimit)
			return true
		}
	}
	if w.memoryLimit > 0 && w.heapInUse() >= w.memoryLimit {
		w.logger.Warn("Memory limit exceeded", slog.Uint64("limit_bytes", w.memoryLimit))
		w.requestStop(ReasonLimit)
		return true
	}
	if w.failureLimit > 0 && w.counters.consecutiveFailures.Load() >= w.failureLimit {
		w.logger.Error("Failure limit reached", slog.Uint64("limit", w.failureLimit))
		w.requestStop(ReasonFailure)
		return true
	}
	return false
}

// requestStop records the first shutdown reason and moves running→draining.
func (w *Worker) requestStop(reason ShutdownReason) {
	w.mu.Lock()
	if w.reason == ReasonNone {
		w.reason = reason
	}
	w.mu.Unlock()
	w.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// drain waits for in-flight handlers up to the shutdown timeout. Handlers
// that outlive it keep their claims; the transport's reclaim policy returns
// those messages eventually.
func (w *Worker) drain() {
	w.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))

	finished := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Shutdown timeout exceeded, abandoning in-flight messages",
			slog.String("worker_id", w.workerID),
		)
	}
}

// acquireSlot blocks on the concurrency gate. Returns false when shutdown
// preempts the acquisition.
func (w *Worker) acquireSlot(ctx context.Context) bool {
	select {
	case w.sem <- struct{}{}:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	if w.wake != nil {
		select {
		case <-timer.C:
		case <-w.wake:
		case <-w.stopChan:
		case <-ctx.Done():
		}
		return
	}
	select {
	case <-timer.C:
	case <-w.stopChan:
	case <-ctx.Done():
	}
}

func (w *Worker) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.WorkerID == "" {
		e.WorkerID = w.workerID
	}
	w.events.publish(e)
}

func (w *Worker) setLastError(msg string) {
	w.mu.Lock()
	w.lastError = msg
	w.mu.Unlock()
}

func (w *Worker) shutdownReason() ShutdownReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}

// Package transport defines the durable claimable-queue abstraction the
// messenger consumes from, plus its reference implementations. The transport
// is the only component that touches persistent storage; claim exclusivity
// and attempt accounting are enforced here, never in the worker.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// Transport is a durable queue with claim/ack/nack semantics. All mutations
// are atomic in the backing store: a message is never returned by two
// concurrent Claim calls, and Nack decides requeue-or-dead-letter in a
// single transaction.
type Transport interface {
	// Enqueue inserts a pending message and returns its id. If the message
	// carries an idempotency key that already exists for this
	// (transport, queue), the existing message id is returned and no new
	// record is created.
	Enqueue(ctx context.Context, msg *domain.Message) (string, error)

	// Claim atomically selects up to batchSize pending messages whose
	// available_at has passed, marks them claimed by workerID and returns
	// them ordered by availability.
	Claim(ctx context.Context, queue string, batchSize int, workerID string) ([]*domain.Message, error)

	// Ack marks the message succeeded and removes it from active
	// consideration.
	Ack(ctx context.Context, id string) error

	// Nack records a failed attempt. If attempts remain the message is
	// requeued as pending with available_at = now + delay; otherwise it is
	// forwarded to the dead-letter store.
	Nack(ctx context.Context, id string, delay time.Duration, cause string) error

	// DeadLetter moves the message into the dead-letter store immediately,
	// regardless of remaining attempts.
	DeadLetter(ctx context.Context, id string, cause string) error

	// ListFailed returns dead-letter records matching the filter, newest
	// first.
	ListFailed(ctx context.Context, filter FailedFilter) ([]*domain.FailedMessage, error)

	// GetFailed returns a single dead-letter record by id.
	GetFailed(ctx context.Context, id string) (*domain.FailedMessage, error)

	// DeleteFailed permanently removes a dead-letter record. Deleting an
	// absent record is not an error.
	DeleteFailed(ctx context.Context, id string) error

	// Reclaim returns messages whose claim is older than olderThan to
	// pending availability, covering workers that died mid-claim. Attempt
	// counts are untouched: an interrupted claim is not a failure.
	Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// QueueDepth reports the number of active (pending or claimed) messages
	// in the queue.
	QueueDepth(ctx context.Context, queue string) (int, error)

	// Ping probes the backing store.
	Ping(ctx context.Context) error

	// Name identifies this transport in message records.
	Name() string

	Close() error
}

// FailedFilter narrows ListFailed results. Zero values match everything.
type FailedFilter struct {
	Queue string
	Type  string
	Limit int
}

// Kind selects a transport implementation at construction time.
type Kind int

const (
	KindMemory Kind = iota
	KindPostgres
	KindSQLite
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "memory":
		return KindMemory, nil
	case "postgres":
		return KindPostgres, nil
	case "sqlite":
		return KindSQLite, nil
	default:
		return 0, fmt.Errorf("unknown transport kind: %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindPostgres:
		return "postgres"
	case KindSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Options carries construction parameters shared by the implementations.
type Options struct {
	// Name is the transport name stamped on messages. Defaults to the kind.
	Name string
	// DSN is the connection string for database-backed kinds.
	DSN string
	// DB reuses an existing connection pool instead of dialing DSN.
	// Postgres only.
	DB     *sqlx.DB
	Logger *slog.Logger
}

// Open resolves a Kind into a Transport. Selection happens exactly once
// here; callers hold the interface and never dispatch on strings again.
func Open(kind Kind, opts Options) (Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = kind.String()
	}
	switch kind {
	case KindMemory:
		return NewMemory(opts.Name), nil
	case KindPostgres:
		return OpenPostgres(opts)
	case KindSQLite:
		return OpenSQLite(opts)
	default:
		return nil, fmt.Errorf("unknown transport kind: %d", kind)
	}
}

package transport

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	metadata        TEXT,
	transport       TEXT NOT NULL,
	queue           TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	status          TEXT NOT NULL,
	available_at    TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	claimed_at      TIMESTAMPTZ,
	claimed_by      TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_idempotency_idx
	ON messages (queue, idempotency_key) WHERE idempotency_key <> '';

CREATE INDEX IF NOT EXISTS messages_claim_idx
	ON messages (queue, status, available_at);

CREATE TABLE IF NOT EXISTS failed_messages (
	id              TEXT PRIMARY KEY,
	message_id      TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	metadata        TEXT,
	transport       TEXT NOT NULL,
	queue           TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL,
	error           TEXT NOT NULL,
	failed_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS failed_messages_queue_idx
	ON failed_messages (queue, failed_at DESC);
`

// OpenPostgres returns the reference Transport implementation. Claims use
// FOR UPDATE SKIP LOCKED so that any number of worker processes can consume
// the same queue without handing a message to two of them. An existing
// connection pool (shared/postgresql) takes precedence over the DSN.
func OpenPostgres(opts Options) (Transport, error) {
	db := opts.DB
	if db == nil {
		var err error
		db, err = sqlx.Connect("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres transport: %w", err)
		}
	}
	store, err := newSQLStore(db, opts.Name, dialect{
		claimLock: " FOR UPDATE SKIP LOCKED",
		rowLock:   " FOR UPDATE",
		schema:    postgresSchema,
	}, opts.Logger)
	if err != nil {
		if opts.DB == nil {
			db.Close()
		}
		return nil, err
	}
	return store, nil
}

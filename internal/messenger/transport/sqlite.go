package transport

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
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
	available_at    TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	claimed_at      TIMESTAMP,
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
	failed_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS failed_messages_queue_idx
	ON failed_messages (queue, failed_at DESC);
`

// OpenSQLite opens an embedded SQLite transport. Useful for development,
// single-process deployments and tests; SQLite's single-writer transactions
// give the same claim atomicity the Postgres implementation gets from
// SKIP LOCKED. DSN ":memory:" yields a throwaway database.
func OpenSQLite(opts Options) (Transport, error) {
	db, err := sqlx.Connect("sqlite", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite transport: %w", err)
	}
	// The modernc driver opens a connection per request by default; a single
	// connection keeps in-memory databases and write transactions coherent.
	db.SetMaxOpenConns(1)
	store, err := newSQLStore(db, opts.Name, dialect{schema: sqliteSchema}, opts.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// dialect captures the small surface where Postgres and SQLite diverge. The
// queries themselves are shared and written with ? placeholders, rebound per
// driver by sqlx.
type dialect struct {
	// claimLock is appended to the claim subquery. Postgres needs
	// FOR UPDATE SKIP LOCKED for concurrent claimers; SQLite serializes
	// writers and needs nothing.
	claimLock string
	// rowLock is appended to single-row selects inside transactions.
	rowLock string
	schema  string
}

// sqlStore implements Transport on top of any database/sql driver with
// row-level atomic updates. Timestamps are computed in Go and persisted, so
// backoff intervals survive process restarts.
type sqlStore struct {
	db      *sqlx.DB
	name    string
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

func newSQLStore(db *sqlx.DB, name string, d dialect, logger *slog.Logger) (*sqlStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &sqlStore{db: db, name: name, dialect: d, logger: logger, now: time.Now}
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// messageRow mirrors the messages table. Metadata is stored as a JSON text
// column and unpacked on read.
type messageRow struct {
	ID             string       `db:"id"`
	Type           string       `db:"type"`
	Payload        []byte       `db:"payload"`
	Metadata       []byte       `db:"metadata"`
	Transport      string       `db:"transport"`
	Queue          string       `db:"queue"`
	IdempotencyKey string       `db:"idempotency_key"`
	Attempts       int          `db:"attempts"`
	MaxAttempts    int          `db:"max_attempts"`
	Status         string       `db:"status"`
	AvailableAt    time.Time    `db:"available_at"`
	CreatedAt      time.Time    `db:"created_at"`
	ClaimedAt      sql.NullTime `db:"claimed_at"`
	ClaimedBy      string       `db:"claimed_by"`
	LastError      string       `db:"last_error"`
}

func (r *messageRow) toDomain() (*domain.Message, error) {
	msg := &domain.Message{
		ID:             r.ID,
		Type:           r.Type,
		Payload:        json.RawMessage(r.Payload),
		Transport:      r.Transport,
		Queue:          r.Queue,
		IdempotencyKey: r.IdempotencyKey,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		Status:         domain.Status(r.Status),
		AvailableAt:    r.AvailableAt,
		CreatedAt:      r.CreatedAt,
		ClaimedBy:      r.ClaimedBy,
		LastError:      r.LastError,
	}
	if r.ClaimedAt.Valid {
		claimedAt := r.ClaimedAt.Time
		msg.ClaimedAt = &claimedAt
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return msg, nil
}

type failedRow struct {
	ID             string    `db:"id"`
	MessageID      string    `db:"message_id"`
	Type           string    `db:"type"`
	Payload        []byte    `db:"payload"`
	Metadata       []byte    `db:"metadata"`
	Transport      string    `db:"transport"`
	Queue          string    `db:"queue"`
	IdempotencyKey string    `db:"idempotency_key"`
	Attempts       int       `db:"attempts"`
	Error          string    `db:"error"`
	FailedAt       time.Time `db:"failed_at"`
}

func (r *failedRow) toDomain() (*domain.FailedMessage, error) {
	fm := &domain.FailedMessage{
		ID:             r.ID,
		MessageID:      r.MessageID,
		Type:           r.Type,
		Payload:        json.RawMessage(r.Payload),
		Transport:      r.Transport,
		Queue:          r.Queue,
		IdempotencyKey: r.IdempotencyKey,
		Attempts:       r.Attempts,
		Error:          r.Error,
		FailedAt:       r.FailedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &fm.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return fm, nil
}

const messageColumns = `id, type, payload, metadata, transport, queue, idempotency_key,
	attempts, max_attempts, status, available_at, created_at, claimed_at, claimed_by, last_error`

func (s *sqlStore) Enqueue(ctx context.Context, msg *domain.Message) (string, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	if msg.Metadata == nil {
		metadata = nil
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	availableAt := msg.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}

	query := s.db.Rebind(`
		INSERT INTO messages (
			id, type, payload, metadata, transport, queue, idempotency_key,
			attempts, max_attempts, status, available_at, created_at, claimed_by, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, '', '')
		ON CONFLICT (queue, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		id, msg.Type, []byte(msg.Payload), metadata, s.name, msg.Queue, msg.IdempotencyKey,
		msg.MaxAttempts, string(domain.StatusPending), availableAt, createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read enqueue result: %w", err)
	}
	if rows > 0 {
		return id, nil
	}

	// Conflict on the idempotency key: hand back the existing message id.
	var existing string
	selectQuery := s.db.Rebind(`SELECT id FROM messages WHERE queue = ? AND idempotency_key = ?`)
	if err := s.db.GetContext(ctx, &existing, selectQuery, msg.Queue, msg.IdempotencyKey); err != nil {
		return "", fmt.Errorf("failed to resolve duplicate idempotency key: %w", err)
	}
	s.logger.Debug("Duplicate idempotency key, returning existing message",
		slog.String("queue", msg.Queue),
		slog.String("idempotency_key", msg.IdempotencyKey),
		slog.String("message_id", existing),
	)
	return existing, nil
}

func (s *sqlStore) Claim(ctx context.Context, queue string, batchSize int, workerID string) ([]*domain.Message, error) {
	now := s.now()
	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE messages
		SET status = ?, claimed_at = ?, claimed_by = ?
		WHERE id IN (
			SELECT id FROM messages
			WHERE queue = ? AND status = ? AND available_at <= ?
			ORDER BY available_at, id
			LIMIT ?%s
		)
		RETURNING %s
	`, s.dialect.claimLock, messageColumns))

	rows, err := s.db.QueryxContext(ctx, query,
		string(domain.StatusClaimed), now, workerID,
		queue, string(domain.StatusPending), now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: claim failed: %v", domain.ErrTransportUnavailable, err)
	}
	defer rows.Close()

	var claimed []*domain.Message
	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan claimed message: %w", err)
		}
		msg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: claim failed: %v", domain.ErrTransportUnavailable, err)
	}
	return claimed, nil
}

func (s *sqlStore) Ack(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM messages WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, id, string(domain.StatusClaimed))
	if err != nil {
		return fmt.Errorf("%w: ack failed: %v", domain.ErrTransportUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read ack result: %w", err)
	}
	if rows == 0 {
		return s.missingOrNotClaimed(ctx, id)
	}
	return nil
}

func (s *sqlStore) Nack(ctx context.Context, id string, delay time.Duration, cause string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockClaimed(ctx, tx, id)
		if err != nil {
			return err
		}
		row.Attempts++
		row.LastError = cause
		if row.Attempts < row.MaxAttempts {
			update := tx.Rebind(`
				UPDATE messages
				SET attempts = ?, status = ?, available_at = ?, claimed_at = NULL, claimed_by = '', last_error = ?
				WHERE id = ?
			`)
			if _, err := tx.ExecContext(ctx, update,
				row.Attempts, string(domain.StatusPending), s.now().Add(delay), cause, id,
			); err != nil {
				return fmt.Errorf("failed to requeue message: %w", err)
			}
			return nil
		}
		return s.moveToFailed(ctx, tx, row, cause)
	})
}

func (s *sqlStore) DeadLetter(ctx context.Context, id string, cause string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockClaimed(ctx, tx, id)
		if err != nil {
			return err
		}
		row.Attempts++
		return s.moveToFailed(ctx, tx, row, cause)
	})
}

// lockClaimed fetches a claimed message inside tx, locking the row on
// dialects that support it.
func (s *sqlStore) lockClaimed(ctx context.Context, tx *sqlx.Tx, id string) (*messageRow, error) {
	query := tx.Rebind(fmt.Sprintf(
		`SELECT %s FROM messages WHERE id = ?%s`, messageColumns, s.dialect.rowLock,
	))
	var row messageRow
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	if row.Status != string(domain.StatusClaimed) {
		return nil, domain.ErrMessageNotClaimed
	}
	return &row, nil
}

// moveToFailed inserts a dead-letter record and deletes the active row,
// both inside the caller's transaction.
func (s *sqlStore) moveToFailed(ctx context.Context, tx *sqlx.Tx, row *messageRow, cause string) error {
	insert := tx.Rebind(`
		INSERT INTO failed_messages (
			id, message_id, type, payload, metadata, transport, queue,
			idempotency_key, attempts, error, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		uuid.New().String(), row.ID, row.Type, row.Payload, row.Metadata,
		s.name, row.Queue, row.IdempotencyKey, row.Attempts, cause, s.now(),
	); err != nil {
		return fmt.Errorf("failed to insert dead-letter record: %w", err)
	}
	del := tx.Rebind(`DELETE FROM messages WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, del, row.ID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered message: %w", err)
	}
	s.logger.Warn("Message dead-lettered",
		slog.String("message_id", row.ID),
		slog.String("type", row.Type),
		slog.Int("attempts", row.Attempts),
		slog.String("error", cause),
	)
	return nil
}

func (s *sqlStore) ListFailed(ctx context.Context, filter FailedFilter) ([]*domain.FailedMessage, error) {
	query := `
		SELECT id, message_id, type, payload, metadata, transport, queue,
			idempotency_key, attempts, error, failed_at
		FROM failed_messages
		WHERE 1=1
	`
	args := []interface{}{}
	if filter.Queue != "" {
		query += " AND queue = ?"
		args = append(args, filter.Queue)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY failed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []failedRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list dead-letter records: %w", err)
	}
	out := make([]*domain.FailedMessage, 0, len(rows))
	for i := range rows {
		fm, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, fm)
	}
	return out, nil
}

func (s *sqlStore) GetFailed(ctx context.Context, id string) (*domain.FailedMessage, error) {
	query := s.db.Rebind(`
		SELECT id, message_id, type, payload, metadata, transport, queue,
			idempotency_key, attempts, error, failed_at
		FROM failed_messages
		WHERE id = ? OR message_id = ?
	`)
	var row failedRow
	if err := s.db.GetContext(ctx, &row, query, id, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFailedMessageNotFound
		}
		return nil, fmt.Errorf("failed to get dead-letter record: %w", err)
	}
	return row.toDomain()
}

func (s *sqlStore) DeleteFailed(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM failed_messages WHERE id = ? OR message_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id, id); err != nil {
		return fmt.Errorf("failed to delete dead-letter record: %w", err)
	}
	return nil
}

func (s *sqlStore) Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	query := s.db.Rebind(`
		UPDATE messages
		SET status = ?, claimed_at = NULL, claimed_by = '', available_at = ?
		WHERE queue = ? AND status = ? AND claimed_at <= ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(domain.StatusPending), s.now(), queue, string(domain.StatusClaimed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim failed: %v", domain.ErrTransportUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}
	if rows > 0 {
		s.logger.Info("Reclaimed stale claims",
			slog.String("queue", queue),
			slog.Int64("count", rows),
		)
	}
	return int(rows), nil
}

func (s *sqlStore) QueueDepth(ctx context.Context, queue string) (int, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE queue = ? AND status IN (?, ?)`)
	var depth int
	err := s.db.GetContext(ctx, &depth, query, queue,
		string(domain.StatusPending), string(domain.StatusClaimed))
	if err != nil {
		return 0, fmt.Errorf("%w: depth probe failed: %v", domain.ErrTransportUnavailable, err)
	}
	return depth, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// SetClock overrides the time source. Test hook.
func (s *sqlStore) SetClock(now func() time.Time) { s.now = now }

func (s *sqlStore) Name() string { return s.name }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin failed: %v", domain.ErrTransportUnavailable, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *sqlStore) missingOrNotClaimed(ctx context.Context, id string) error {
	query := s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE id = ?`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, id); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	if count == 0 {
		return domain.ErrMessageNotFound
	}
	return domain.ErrMessageNotClaimed
}

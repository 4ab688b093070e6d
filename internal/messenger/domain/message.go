package domain

import (
	"encoding/json"
	"time"
)

// Status describes where a message sits in its delivery lifecycle.
type Status string

const (
	// StatusPending means the message is waiting to be claimed once
	// available_at has passed.
	StatusPending Status = "pending"
	// StatusClaimed means exactly one worker holds the message.
	StatusClaimed Status = "claimed"
	// StatusProcessing means a handler invocation is in flight. This is a
	// worker-side transition on the claimed copy; the durable record stays
	// claimed until ack/nack.
	StatusProcessing Status = "processing"
	// StatusSucceeded means the handler completed and the message was acked.
	StatusSucceeded Status = "succeeded"
	// StatusRetryable marks a claimed copy whose handler failed with a
	// transient error; nack requeues it as pending with a backoff delay.
	StatusRetryable Status = "failed-retryable"
	// StatusDeadLettered means the message exhausted its attempts or hit a
	// fatal error and now lives in the dead-letter store.
	StatusDeadLettered Status = "dead-lettered"
)

// Message is the unit of asynchronous work and its delivery envelope.
type Message struct {
	ID             string            `db:"id" json:"id"`
	Type           string            `db:"type" json:"type"`
	Payload        json.RawMessage   `db:"payload" json:"payload"`
	Metadata       map[string]string `db:"-" json:"metadata,omitempty"`
	Transport      string            `db:"transport" json:"transport"`
	Queue          string            `db:"queue" json:"queue"`
	IdempotencyKey string            `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Attempts       int               `db:"attempts" json:"attempts"`
	MaxAttempts    int               `db:"max_attempts" json:"max_attempts"`
	Status         Status            `db:"status" json:"status"`
	AvailableAt    time.Time         `db:"available_at" json:"available_at"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	ClaimedAt      *time.Time        `db:"claimed_at" json:"claimed_at,omitempty"`
	ClaimedBy      string            `db:"claimed_by" json:"claimed_by,omitempty"`
	LastError      string            `db:"last_error" json:"last_error,omitempty"`
}

// AttemptsRemaining reports whether the message may still be retried after
// another failure.
func (m *Message) AttemptsRemaining() bool {
	return m.Attempts < m.MaxAttempts
}

// FailedMessage is a dead-letter record. It is created only when a message
// terminally fails and keeps the original body for audit and manual retry.
// Retrying produces a brand-new Message with a fresh id; the FailedMessage
// itself is never resurrected in place.
type FailedMessage struct {
	ID             string            `db:"id" json:"id"`
	MessageID      string            `db:"message_id" json:"message_id"`
	Type           string            `db:"type" json:"type"`
	Payload        json.RawMessage   `db:"payload" json:"payload"`
	Metadata       map[string]string `db:"-" json:"metadata,omitempty"`
	Transport      string            `db:"transport" json:"transport"`
	Queue          string            `db:"queue" json:"queue"`
	IdempotencyKey string            `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Attempts       int               `db:"attempts" json:"attempts"`
	Error          string            `db:"error" json:"error"`
	FailedAt       time.Time         `db:"failed_at" json:"failed_at"`
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMessageNotFound is returned when a message id does not exist in the
	// transport's active queue.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageNotClaimed is returned when ack/nack targets a message that
	// is not currently claimed.
	ErrMessageNotClaimed = errors.New("message not claimed")

	// ErrFailedMessageNotFound is returned when a dead-letter record cannot
	// be found.
	ErrFailedMessageNotFound = errors.New("failed message not found")

	// ErrUnknownMessageType is returned when no handler is registered for a
	// message's type.
	ErrUnknownMessageType = errors.New("no handler registered for message type")

	// ErrTransportUnavailable wraps transport-level failures (claim/ack call
	// itself failed). These never consume a message attempt.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// ValidationError rejects a malformed message at dispatch time, before
// anything durable is created. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RetryableError wraps transient handler failures that should be retried
// with backoff until attempts run out.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError marks err as transient.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// FatalError wraps non-retryable handler failures. The message is
// dead-lettered immediately regardless of remaining attempts.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal error: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError marks err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsRetryable reports whether err should be retried. Errors explicitly
// marked fatal are not; errors marked retryable are; unclassified handler
// errors default to retryable so that transient infrastructure failures
// inside handlers are not dead-lettered prematurely.
func IsRetryable(err error) bool {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	if errors.Is(err, ErrUnknownMessageType) {
		return false
	}
	return true
}

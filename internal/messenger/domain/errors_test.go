package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "explicitly retryable",
			err:  NewRetryableError(errors.New("smtp timeout")),
			want: true,
		},
		{
			name: "explicitly fatal",
			err:  NewFatalError(errors.New("malformed payload")),
			want: false,
		},
		{
			name: "wrapped fatal stays fatal",
			err:  fmt.Errorf("handler: %w", NewFatalError(errors.New("bad"))),
			want: false,
		},
		{
			name: "unknown message type is fatal",
			err:  fmt.Errorf("%w: email.send", ErrUnknownMessageType),
			want: false,
		},
		{
			name: "unclassified errors default to retryable",
			err:  errors.New("connection reset"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("root cause")

	assert.ErrorIs(t, NewRetryableError(cause), cause)
	assert.ErrorIs(t, NewFatalError(cause), cause)

	validation := NewValidationError("payload", "must be valid JSON")
	var ve *ValidationError
	assert.ErrorAs(t, validation, &ve)
	assert.Equal(t, "payload", ve.Field)
	assert.Equal(t, "invalid message: payload must be valid JSON", validation.Error())
}

func TestMessage_AttemptsRemaining(t *testing.T) {
	msg := &Message{MaxAttempts: 3}

	msg.Attempts = 0
	assert.True(t, msg.AttemptsRemaining())
	msg.Attempts = 2
	assert.True(t, msg.AttemptsRemaining())
	msg.Attempts = 3
	assert.False(t, msg.AttemptsRemaining())
}

package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

func newTestDispatcher(tr transport.Transport, notifier Notifier) *Dispatcher {
	return New(&Config{
		Logger:             slog.Default(),
		Transports:         map[string]transport.Transport{"memory": tr},
		DefaultTransport:   "memory",
		DefaultQueue:       "default",
		DefaultMaxAttempts: 3,
		Notifier:           notifier,
	})
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory("memory")
	d := newTestDispatcher(tr, nil)

	id, err := d.Dispatch(ctx, &Request{
		Type:    "email.send",
		Payload: []byte(`{"to":"user@example.com"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Defaults applied: claim it back and inspect
	claimed, err := tr.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, 3, claimed[0].MaxAttempts)
	assert.Equal(t, "memory", claimed[0].Transport)
}

func TestDispatcher_Validation(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(transport.NewMemory("memory"), nil)

	tests := []struct {
		name  string
		req   *Request
		field string
	}{
		{
			name:  "missing type",
			req:   &Request{Payload: []byte(`{}`)},
			field: "type",
		},
		{
			name:  "missing payload",
			req:   &Request{Type: "email.send"},
			field: "payload",
		},
		{
			name:  "payload not json",
			req:   &Request{Type: "email.send", Payload: []byte(`{broken`)},
			field: "payload",
		},
		{
			name:  "unknown transport",
			req:   &Request{Type: "email.send", Payload: []byte(`{}`), Transport: "carrier-pigeon"},
			field: "transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(ctx, tt.req)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
		})
	}
}

func TestDispatcher_IdempotencyKeyDedupes(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(transport.NewMemory("memory"), nil)

	req := &Request{
		Type:           "email.send",
		Payload:        []byte(`{}`),
		IdempotencyKey: "order-42",
	}

	first, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	second, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type countingNotifier struct {
	calls atomic.Int64
	queue atomic.Value
	err   error
}

func (n *countingNotifier) Notify(_ context.Context, queue string) error {
	n.calls.Add(1)
	n.queue.Store(queue)
	return n.err
}

func TestDispatcher_NotifierBestEffort(t *testing.T) {
	ctx := context.Background()

	t.Run("notified on success", func(t *testing.T) {
		notifier := &countingNotifier{}
		d := newTestDispatcher(transport.NewMemory("memory"), notifier)

		_, err := d.Dispatch(ctx, &Request{Type: "email.send", Payload: []byte(`{}`), Queue: "reports"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, notifier.calls.Load())
		assert.Equal(t, "reports", notifier.queue.Load())
	})

	t.Run("notifier failure does not fail the dispatch", func(t *testing.T) {
		notifier := &countingNotifier{err: errors.New("amqp connection lost")}
		d := newTestDispatcher(transport.NewMemory("memory"), notifier)

		id, err := d.Dispatch(ctx, &Request{Type: "email.send", Payload: []byte(`{}`)})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("not notified on validation failure", func(t *testing.T) {
		notifier := &countingNotifier{}
		d := newTestDispatcher(transport.NewMemory("memory"), notifier)

		_, err := d.Dispatch(ctx, &Request{Type: "", Payload: []byte(`{}`)})
		require.Error(t, err)
		assert.Zero(t, notifier.calls.Load())
	})
}

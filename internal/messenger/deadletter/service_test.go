package deadletter

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

func newTestService(t *testing.T) (*Service, transport.Transport) {
	t.Helper()
	tr := transport.NewMemory("memory")
	d := dispatcher.New(&dispatcher.Config{
		Logger:             slog.Default(),
		Transports:         map[string]transport.Transport{"memory": tr},
		DefaultTransport:   "memory",
		DefaultQueue:       "default",
		DefaultMaxAttempts: 3,
	})
	return NewService(slog.Default(), tr, d), tr
}

func deadLetterOne(t *testing.T, tr transport.Transport, msgType, key string) string {
	t.Helper()
	ctx := context.Background()
	id, err := tr.Enqueue(ctx, &domain.Message{
		Type:           msgType,
		Payload:        []byte(`{"n":1}`),
		Queue:          "default",
		IdempotencyKey: key,
		MaxAttempts:    3,
	})
	require.NoError(t, err)
	_, err = tr.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.NoError(t, tr.DeadLetter(ctx, id, "boom"))
	return id
}

func TestService_RetryCreatesFreshMessage(t *testing.T) {
	ctx := context.Background()
	svc, tr := newTestService(t)

	originalID := deadLetterOne(t, tr, "email.send", "")

	newID, err := svc.Retry(ctx, originalID)
	require.NoError(t, err)
	assert.NotEqual(t, originalID, newID, "retry must mint a new message id")

	// The fresh message starts its attempt budget over
	claimed, err := tr.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, newID, claimed[0].ID)
	assert.Zero(t, claimed[0].Attempts)
	assert.Equal(t, "email.send", claimed[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(claimed[0].Payload))

	// The record stays for audit until deleted
	failed, err := svc.List(ctx, transport.FailedFilter{})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestService_RetryCarriesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, tr := newTestService(t)

	originalID := deadLetterOne(t, tr, "email.send", "order-42")

	first, err := svc.Retry(ctx, originalID)
	require.NoError(t, err)

	// A second retry of the same record dedupes onto the live message
	second, err := svc.Retry(ctx, originalID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	depth, err := tr.QueueDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestService_RetryUnknownRecord(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Retry(context.Background(), "no-such-record")
	assert.ErrorIs(t, err, domain.ErrFailedMessageNotFound)
}

func TestService_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, tr := newTestService(t)

	deadLetterOne(t, tr, "email.send", "")

	failed, err := svc.List(ctx, transport.FailedFilter{})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, svc.Delete(ctx, failed[0].ID))
	require.NoError(t, svc.Delete(ctx, failed[0].ID))

	remaining, err := svc.List(ctx, transport.FailedFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

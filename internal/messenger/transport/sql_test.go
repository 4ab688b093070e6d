package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// newSQLiteStore opens a throwaway in-memory database so the shared SQL
// path (conflict handling, transactional dead-lettering, reclaim) runs
// against a real driver.
func newSQLiteStore(t *testing.T) *sqlStore {
	t.Helper()
	tr, err := OpenSQLite(Options{Name: "sqlite", DSN: ":memory:", Logger: slog.Default()})
	require.NoError(t, err)
	store, ok := tr.(*sqlStore)
	require.True(t, ok)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_EnqueueIdempotency(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	first, err := store.Enqueue(ctx, newTestMessageWithKey("default", "email.send", "order-42"))
	require.NoError(t, err)

	second, err := store.Enqueue(ctx, newTestMessageWithKey("default", "email.send", "order-42"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Same key scoped per queue
	other, err := store.Enqueue(ctx, newTestMessageWithKey("reports", "email.send", "order-42"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// Empty keys never collide
	a, err := store.Enqueue(ctx, newTestMessage("default", "email.send"))
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, newTestMessage("default", "email.send"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	depth, err := store.QueueDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestSQLStore_ClaimBatch(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	store.SetClock(func() time.Time { return clock })

	var ids []string
	for i := 0; i < 4; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		id, err := store.Enqueue(ctx, newTestMessage("default", "email.send"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	clock = base.Add(time.Minute)

	claimed, err := store.Claim(ctx, "default", 3, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	assert.Equal(t, ids[2], claimed[2].ID)
	for _, msg := range claimed {
		assert.Equal(t, domain.StatusClaimed, msg.Status)
		assert.Equal(t, "w1", msg.ClaimedBy)
		require.NotNil(t, msg.ClaimedAt)
	}

	// The claimed rows are gone from the pending pool
	rest, err := store.Claim(ctx, "default", 10, "w2")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[3], rest[0].ID)
}

func TestSQLStore_ClaimHonorsAvailableAt(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	store.SetClock(func() time.Time { return clock })

	msg := newTestMessage("default", "email.send")
	msg.AvailableAt = base.Add(time.Hour)
	_, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "default", 10, "w1")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock = base.Add(time.Hour)
	claimed, err = store.Claim(ctx, "default", 10, "w1")
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSQLStore_NackLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	store.SetClock(func() time.Time { return clock })

	msg := newTestMessage("default", "email.send")
	msg.MaxAttempts = 2
	id, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	// First failure requeues with the delay persisted
	_, err = store.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Nack(ctx, id, 30*time.Second, "smtp timeout"))

	claimed, err := store.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	assert.Empty(t, claimed, "requeued message hidden until the delay elapses")

	clock = base.Add(time.Minute)
	claimed, err = store.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "smtp timeout", claimed[0].LastError)

	// Second failure exhausts the budget and dead-letters atomically
	require.NoError(t, store.Nack(ctx, id, 30*time.Second, "smtp timeout"))

	depth, err := store.QueueDepth(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, depth)

	failed, err := store.ListFailed(ctx, FailedFilter{Queue: "default"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].MessageID)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestSQLStore_AckErrors(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	id, err := store.Enqueue(ctx, newTestMessage("default", "email.send"))
	require.NoError(t, err)

	// Pending, not claimed
	assert.ErrorIs(t, store.Ack(ctx, id), domain.ErrMessageNotClaimed)

	_, err = store.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Ack(ctx, id))

	// Gone after ack
	assert.ErrorIs(t, store.Ack(ctx, id), domain.ErrMessageNotFound)
	assert.ErrorIs(t, store.Nack(ctx, id, 0, "x"), domain.ErrMessageNotFound)
	assert.ErrorIs(t, store.DeadLetter(ctx, id, "x"), domain.ErrMessageNotFound)
}

func TestSQLStore_DeadLetterAndFailedAccess(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	msg := newTestMessage("default", "email.send")
	msg.Metadata = map[string]string{"tenant": "acme"}
	id, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	_, err = store.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.NoError(t, store.DeadLetter(ctx, id, "unknown message type"))

	fm, err := store.GetFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, fm.MessageID)
	assert.Equal(t, "unknown message type", fm.Error)
	assert.Equal(t, map[string]string{"tenant": "acme"}, fm.Metadata)

	// Lookup by the record's own id works too
	again, err := store.GetFailed(ctx, fm.ID)
	require.NoError(t, err)
	assert.Equal(t, fm.ID, again.ID)

	require.NoError(t, store.DeleteFailed(ctx, fm.ID))
	_, err = store.GetFailed(ctx, fm.ID)
	assert.ErrorIs(t, err, domain.ErrFailedMessageNotFound)

	// Idempotent delete
	require.NoError(t, store.DeleteFailed(ctx, fm.ID))
}

func TestSQLStore_Reclaim(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	store.SetClock(func() time.Time { return clock })

	stale, err := store.Enqueue(ctx, newTestMessage("default", "email.send"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "default", 1, "crashed-worker")
	require.NoError(t, err)

	clock = base.Add(20 * time.Minute)
	_, err = store.Enqueue(ctx, newTestMessage("default", "email.send"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "default", 1, "live-worker")
	require.NoError(t, err)

	n, err := store.Reclaim(ctx, "default", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := store.Claim(ctx, "default", 10, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, stale, claimed[0].ID)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{input: "memory", want: KindMemory},
		{input: "postgres", want: KindPostgres},
		{input: "sqlite", want: KindSQLite},
		{input: "kafka", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, err := ParseKind(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.input, kind.String())
		})
	}
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func TestOutboxStore_ScheduleDefaults(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewOutboxStore(WithOutboxClock(clock.Now))

	msg := &adapters.OutboxMessage{Destination: "local:sales", MessageType: "SubmitOrder"}
	require.NoError(t, store.Schedule(context.Background(), []*adapters.OutboxMessage{msg}))

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, clock.now, msg.ScheduledAt)
	assert.Equal(t, 5, msg.MaxAttempts)
	assert.Equal(t, adapters.OutboxPending, msg.Status)
}

func TestOutboxStore_FetchPending_RespectsScheduledAt(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewOutboxStore(WithOutboxClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{
		{ID: "later", ScheduledAt: clock.now.Add(10 * time.Second)},
		{ID: "now-1"},
		{ID: "now-2"},
	}))

	due, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "now-1", due[0].ID)
	assert.Equal(t, "now-2", due[1].ID)
	assert.Equal(t, 1, due[0].Attempts)

	clock.now = clock.now.Add(10 * time.Second)
	due, err = store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "later", due[0].ID)
}

func TestOutboxStore_FailureLifecycle(t *testing.T) {
	store := NewOutboxStore()
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{{ID: "m1", MaxAttempts: 2}}))

	_, err := store.FetchPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "m1", errors.New("broker down")))

	retried, err := store.RetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retried)

	_, err = store.FetchPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "m1", errors.New("broker down")))

	moved, err := store.MoveToDeadLetter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	dead, err := store.GetDeadLetterMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "broker down", dead[0].LastError)

	assert.ErrorIs(t, store.MarkFailed(ctx, "missing", nil), adapters.ErrOutboxMessageNotFound)
}

func TestOutboxStore_Cleanup(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewOutboxStore(WithOutboxClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{{ID: "m1"}, {ID: "m2"}}))
	_, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, []string{"m1"}))

	clock.now = clock.now.Add(2 * time.Hour)
	removed, err := store.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Count())
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore(t *testing.T) {
	store := NewIdempotencyStore()
	ctx := context.Background()

	exists, err := store.Exists(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		Key:         "msg-1",
		MessageType: "SubmitOrder",
		Success:     true,
		ProcessedAt: time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		Key:         "msg-2",
		ProcessedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	exists, err = store.Exists(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, exists)

	expired, err := store.Get(ctx, "msg-2")
	require.NoError(t, err)
	assert.Nil(t, expired)

	removed, err := store.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(ctx, "msg-1"))
	assert.Equal(t, 0, store.Len())
}

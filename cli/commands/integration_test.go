package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/config"
	"github.com/AshkanYarmoradi/go-stoat/scheduler/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresConfig writes a config pointing at TEST_DATABASE_URL in a fresh
// schema and returns its path with an adapter on the same schema.
func postgresConfig(t *testing.T, opts ...func(*config.Config)) (string, *postgres.Adapter) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("PostgreSQL not available: %v", err)
	}

	schema := fmt.Sprintf("stoat_cli_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.Exec(`DROP SCHEMA IF EXISTS "` + schema + `" CASCADE`)
		_ = db.Close()
	})

	path := writeConfig(t, append([]func(*config.Config){func(c *config.Config) {
		c.Database.URL = url
		c.Database.Schema = schema
	}}, opts...)...)
	return path, postgres.NewAdapterWithDB(db, postgres.WithSchema(schema))
}

func TestIntegration_OutboxAndSagaCommands(t *testing.T) {
	path, adapter := postgresConfig(t)
	ctx := context.Background()

	out, err := executeCommand(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")

	state := &adapters.SagaState{
		ID:              "saga-1",
		Type:            "OrderSaga",
		CurrentState:    "AwaitingPayment",
		CorrelationKeys: []string{"o-1"},
		Data:            []byte(`{"orderId":"o-1"}`),
	}
	require.NoError(t, adapter.SagaStore().Save(ctx, state))

	store := adapter.OutboxStore()
	scheduleOutbox(t, store, "kafka:orders", 2)
	dead, err := store.FetchPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NoError(t, store.MarkFailed(ctx, dead[0].ID, fmt.Errorf("broker unavailable")))
	_, err = store.MoveToDeadLetter(ctx, 1)
	require.NoError(t, err)

	out, err = executeCommand(t, "--config", path, "outbox", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "DeadLetter")
	assert.Contains(t, out, "1 dead-lettered message(s)")

	out, err = executeCommand(t, "--config", path, "outbox", "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, dead[0].ID)
	assert.Contains(t, out, "broker unavailable")

	out, err = executeCommand(t, "--config", path, "outbox", "requeue", dead[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued 1 message(s)")

	out, err = executeCommand(t, "--config", path, "outbox", "retry")
	require.NoError(t, err)
	assert.Contains(t, out, "Retried 0 message(s)")

	out, err = executeCommand(t, "--config", path, "outbox", "cleanup", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 completed message(s)")

	out, err = executeCommand(t, "--config", path, "saga", "list", "OrderSaga")
	require.NoError(t, err)
	assert.Contains(t, out, "saga-1")
	assert.Contains(t, out, "AwaitingPayment")

	out, err = executeCommand(t, "--config", path, "saga", "show", "saga-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"orderId": "o-1"`)

	out, err = executeCommand(t, "--config", path, "saga", "find", "OrderSaga", "o-2")
	require.NoError(t, err)
	assert.Contains(t, out, "No OrderSaga instance correlates")

	_, err = executeCommand(t, "--config", path, "saga", "show", "missing")
	assert.ErrorIs(t, err, adapters.ErrSagaNotFound)

	out, err = executeCommand(t, "--config", path, "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "1 running and 0 completed saga(s)")
}

func TestIntegration_SchedulerRun(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping integration test")
	}
	prefix := fmt.Sprintf("stoat:cli:%d:", time.Now().UnixNano())
	path, adapter := postgresConfig(t, func(c *config.Config) {
		c.Scheduler.Kind = config.SchedulerRedis
		c.Scheduler.Redis.Addr = addr
		c.Scheduler.Redis.KeyPrefix = prefix
	})
	ctx := context.Background()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})

	_, err := executeCommand(t, "--config", path, "migrate")
	require.NoError(t, err)

	scheduler := redis.New(client, nil, redis.WithKeyPrefix(prefix))
	_, err = scheduler.ScheduleSend(ctx, time.Now().Add(-time.Second), orderSubmitted{OrderID: "o-1"})
	require.NoError(t, err)
	_, err = scheduler.ScheduleSend(ctx, time.Now().Add(time.Hour), orderSubmitted{OrderID: "o-2"})
	require.NoError(t, err)

	out, err := executeCommand(t, "--config", path, "scheduler", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "2")

	out, err = executeCommand(t, "--config", path, "scheduler", "run", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "Delivered 1 scheduled message(s)")

	pending, err := adapter.OutboxStore().FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "local:sales", pending[0].Destination)
	assert.Equal(t, "orderSubmitted", pending[0].MessageType)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(pending[0].Payload))
}

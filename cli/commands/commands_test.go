package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.Execute()
	return buf.String(), err
}

// writeConfig saves a config modified by opts and returns its path.
func writeConfig(t *testing.T, opts ...func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Endpoint.Name = "sales"
	for _, opt := range opts {
		opt(cfg)
	}
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, cfg.SaveFile(path))
	return path
}

func memoryDriver(c *config.Config) { c.Database.Driver = "memory" }

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "stoat", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"init", "migrate", "outbox", "saga", "scheduler", "diagnose", "version"} {
		assert.Contains(t, names, want)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("no-color"))
}

func TestSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, path := range [][]string{
		{"outbox", "status"},
		{"outbox", "dead-letters"},
		{"outbox", "dlq"},
		{"outbox", "requeue"},
		{"outbox", "retry"},
		{"outbox", "cleanup"},
		{"outbox", "drain"},
		{"saga", "list"},
		{"saga", "show"},
		{"saga", "find"},
		{"saga", "cleanup"},
		{"scheduler", "pending"},
		{"scheduler", "run"},
		{"doctor"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.NotNil(t, cmd.RunE, path)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewVersionCommand("1.2.3", "abc123", "2026-01-01")
	cmd.SetOut(&buf)
	require.NoError(t, cmd.RunE(cmd, nil))

	out := buf.String()
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "stoat")
}

func TestInitCommand(t *testing.T) {
	t.Run("non-interactive", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "billing")

		out, err := executeCommand(t, "init", dir, "--non-interactive", "--scheduler", "redis")
		require.NoError(t, err)
		assert.Contains(t, out, "Created stoat.yaml")
		assert.Contains(t, out, "stoat scheduler run")

		t.Setenv("DATABASE_URL", "postgres://localhost/billing")
		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "billing", cfg.Endpoint.Name)
		assert.Equal(t, "local:billing_error", cfg.Endpoint.ErrorQueue)
		assert.Equal(t, config.SchedulerRedis, cfg.Scheduler.Kind)
		assert.Equal(t, "postgres://localhost/billing", cfg.Database.URL)
		assert.Empty(t, cfg.Validate())
	})

	t.Run("name flag", func(t *testing.T) {
		dir := t.TempDir()

		_, err := executeCommand(t, "init", dir, "--non-interactive", "-n", "shipping", "-d", "memory")
		require.NoError(t, err)

		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "shipping", cfg.Endpoint.Name)
		assert.Equal(t, "memory", cfg.Database.Driver)
	})

	t.Run("existing config", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, config.DefaultConfig().Save(dir))

		out, err := executeCommand(t, "init", dir, "--non-interactive")
		require.NoError(t, err)
		assert.Contains(t, out, "already exists")
	})

	t.Run("invalid scheduler", func(t *testing.T) {
		dir := t.TempDir()

		_, err := executeCommand(t, "init", dir, "--non-interactive", "--scheduler", "cron")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.kind")
		assert.False(t, config.Exists(dir))
	})
}

func TestCommands_MemoryDriver(t *testing.T) {
	path := writeConfig(t, memoryDriver)

	out, err := executeCommand(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Memory driver doesn't require migrations")

	for _, args := range [][]string{
		{"outbox", "status"},
		{"outbox", "drain"},
		{"saga", "list", "OrderSaga"},
		{"scheduler", "pending"},
	} {
		_, err := executeCommand(t, append([]string{"--config", path}, args...)...)
		assert.ErrorIs(t, err, ErrMemoryDriver, args)
	}
}

func TestCommands_MissingConfig(t *testing.T) {
	_, err := executeCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "outbox", "status")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommands_EmptyDatabaseURL(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Database.URL = "${STOAT_UNSET_DATABASE_URL}" })

	_, err := executeCommand(t, "--config", path, "outbox", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is empty")
}

func TestCommands_ArgumentValidation(t *testing.T) {
	path := writeConfig(t, memoryDriver)

	_, err := executeCommand(t, "--config", path, "saga", "list")
	assert.Error(t, err)
	_, err = executeCommand(t, "--config", path, "saga", "find", "OrderSaga")
	assert.Error(t, err)
	_, err = executeCommand(t, "--config", path, "migrate", "extra")
	assert.Error(t, err)
}

func TestDiagnose_MemoryDriver(t *testing.T) {
	path := writeConfig(t, memoryDriver)

	out, err := executeCommand(t, "--config", path, "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "Endpoint: sales, Driver: memory")
	assert.Contains(t, out, "Skipped (memory driver)")
	assert.Contains(t, out, "Skipped (transport scheduler)")
	assert.Contains(t, out, "All checks passed")
}

func TestDiagnose_NoConfig(t *testing.T) {
	out, err := executeCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "WARNING")
	assert.Contains(t, out, "stoat init")
}

func TestCheckResult(t *testing.T) {
	r := newCheckResult("Outbox", StatusWarning, "3 dead-lettered").withRecommendation("inspect")
	assert.Equal(t, "Outbox", r.Name)
	assert.Equal(t, StatusWarning, r.Status)
	assert.Equal(t, "inspect", r.Recommendation)

	assert.Equal(t, StatusOK, checkGoVersion(context.Background()).Status)
}

type orderSubmitted struct {
	OrderID string `json:"orderId"`
}

func TestRelaySerializer(t *testing.T) {
	s := relaySerializer{}

	msg, err := s.Deserialize([]byte(`{"orderId":"o-1"}`), "OrderSubmitted")
	require.NoError(t, err)
	assert.Equal(t, "OrderSubmitted", stoat.MessageTypeOf(msg))

	data, err := s.Serialize(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(data))

	_, err = s.Serialize(orderSubmitted{OrderID: "o-1"})
	assert.ErrorIs(t, err, stoat.ErrSerializationFailed)
}

func TestRelayTransport(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()

	cfg := config.DefaultConfig()
	cfg.Endpoint.Name = "sales"
	cfg.Outbox.MaxRetries = 3
	cfg.Routes = map[string]string{"OrderSubmitted": "kafka:orders"}
	transport := stoat.NewOutboxTransport(store, relayTransportOptions(cfg)...)

	msg := relayMessage{messageType: "OrderSubmitted", payload: []byte(`{"orderId":"o-1"}`)}
	require.NoError(t, transport.Send(ctx, msg, nil))
	require.NoError(t, transport.Send(ctx, msg, stoat.BuildOptions(stoat.ToThisEndpoint())))
	require.NoError(t, transport.Publish(ctx, msg, nil))

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	destinations := map[string]int{}
	for _, m := range pending {
		destinations[m.Destination]++
		assert.Equal(t, "OrderSubmitted", m.MessageType)
		assert.Equal(t, msg.payload, m.Payload)
		assert.Equal(t, 3, m.MaxAttempts)
	}
	assert.Equal(t, map[string]int{"kafka:orders": 2, "local:sales": 1}, destinations)

	err = transport.Send(ctx, relayMessage{messageType: "OrderPaid"}, nil)
	assert.ErrorIs(t, err, stoat.ErrNoRoute)
}

type stubPublisher struct {
	prefix string
	fail   bool
	count  int
}

func (p *stubPublisher) Destination() string { return p.prefix }

func (p *stubPublisher) Publish(_ context.Context, msgs []*adapters.OutboxMessage) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.count += len(msgs)
	return nil
}

func scheduleOutbox(t *testing.T, store adapters.OutboxStore, destination string, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Schedule(context.Background(), []*adapters.OutboxMessage{{
			ID:          uuid.NewString(),
			MessageType:   "OrderSubmitted",
			Destination: destination,
			Payload:     []byte(`{}`),
			MaxAttempts: 5,
			ScheduledAt: now.Add(-time.Second),
			CreatedAt:   now,
		}}))
	}
}

func TestDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		var out bytes.Buffer
		processor := stoat.NewOutboxProcessor(memory.NewOutboxStore())
		require.NoError(t, drain(ctx, &out, processor, 0))
		assert.Contains(t, out.String(), "Outbox is empty")
	})

	t.Run("delivers in batches", func(t *testing.T) {
		store := memory.NewOutboxStore()
		scheduleOutbox(t, store, "webhook:http://example.test", 5)
		publisher := &stubPublisher{prefix: "webhook"}
		processor := stoat.NewOutboxProcessor(store, stoat.WithPublisher(publisher), stoat.WithBatchSize(2))

		var out bytes.Buffer
		require.NoError(t, drain(ctx, &out, processor, 5))

		assert.Equal(t, 5, publisher.count)
		assert.Contains(t, out.String(), "2/5 delivered")
		assert.Contains(t, out.String(), "Delivered 5 message(s)")
		assert.NotContains(t, out.String(), "not delivered")
	})

	t.Run("reports undelivered", func(t *testing.T) {
		store := memory.NewOutboxStore()
		scheduleOutbox(t, store, "kafka:orders", 2)
		processor := stoat.NewOutboxProcessor(store, stoat.WithPublisher(&stubPublisher{prefix: "kafka", fail: true}))

		var out bytes.Buffer
		require.NoError(t, drain(ctx, &out, processor, 2))
		assert.Contains(t, out.String(), "2 message(s) not delivered")
	})
}

func TestRenderers(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &adapters.SagaState{
		ID:              "saga-1",
		Type:            "OrderSaga",
		CurrentState:    "Final",
		CorrelationKeys: []string{"o-1", "cart-9"},
		Status:          adapters.SagaStatusCompleted,
		Data:            []byte(`{"orderId":"o-1"}`),
		CompletedAt:     &completed,
		Version:         4,
	}

	out := renderSagaState(state)
	assert.Contains(t, out, "OrderSaga")
	assert.Contains(t, out, "o-1, cart-9")
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, `"orderId": "o-1"`)

	assert.Contains(t, formatData([]byte{0x82, 0xa1}), "2 bytes, not JSON")

	counts := renderOutboxCounts(map[adapters.OutboxStatus]int64{adapters.OutboxDeadLetter: 7})
	assert.Contains(t, counts, "DeadLetter")
	assert.Contains(t, counts, "7")

	table := renderOutboxMessages([]*adapters.OutboxMessage{{
		ID: "m-1", MessageType: "OrderSubmitted", Destination: "kafka:orders",
		Attempts: 5, MaxAttempts: 5, LastError: strings.Repeat("x", 100),
	}})
	assert.Contains(t, table, "5/5")
	assert.Contains(t, table, "…")

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdefgh", 4))
}

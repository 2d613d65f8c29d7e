package stoat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu          sync.Mutex
	destination string
	batches     [][]*OutboxMessage
	failErr     error
}

func (p *fakePublisher) Publish(ctx context.Context, msgs []*OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return p.failErr
	}
	p.batches = append(p.batches, msgs)
	return nil
}

func (p *fakePublisher) Destination() string { return p.destination }

func (p *fakePublisher) published() []*OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*OutboxMessage
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

type countingOutboxMetrics struct {
	mu           sync.Mutex
	processed    int
	failed       int
	deadLettered int
	batches      int
	pending      []int64
}

func (m *countingOutboxMetrics) RecordMessageProcessed(destination string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.processed++
	}
}

func (m *countingOutboxMetrics) RecordMessageFailed(destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *countingOutboxMetrics) RecordMessageDeadLettered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered++
}

func (m *countingOutboxMetrics) RecordBatchDuration(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *countingOutboxMetrics) RecordPendingMessages(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, count)
}

func TestOutboxProcessor_ProcessOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by destination prefix", func(t *testing.T) {
		transport, store := newTestOutbox()
		local := &fakePublisher{destination: LocalPrefix}
		kafka := &fakePublisher{destination: "kafka"}
		metrics := &countingOutboxMetrics{}
		p := NewOutboxProcessor(store, WithPublisher(local), WithPublisher(kafka), WithOutboxMetrics(metrics))

		require.NoError(t, transport.Send(ctx, orderAccepted{OrderID: "1"}, BuildOptions(WithDestination("local:shipping"))))
		require.NoError(t, transport.Send(ctx, orderAccepted{OrderID: "2"}, BuildOptions(WithDestination("kafka:orders"))))
		require.NoError(t, transport.Send(ctx, orderAccepted{OrderID: "3"}, BuildOptions(WithDestination("local:billing"))))

		n, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.Len(t, local.batches, 1)
		localMsgs := local.published()
		require.Len(t, localMsgs, 2)
		assert.Equal(t, "local:shipping", localMsgs[0].Destination)
		assert.Equal(t, "local:billing", localMsgs[1].Destination)
		assert.Len(t, kafka.published(), 1)

		assert.Equal(t, 3, store.CountByStatus()[OutboxCompleted])
		assert.Equal(t, 3, metrics.processed)
		assert.Equal(t, 1, metrics.batches)
		assert.Equal(t, []int64{3}, metrics.pending)
	})

	t.Run("messages not yet due stay pending", func(t *testing.T) {
		transport, store := newTestOutbox()
		local := &fakePublisher{destination: LocalPrefix}
		p := NewOutboxProcessor(store, WithPublisher(local))

		require.NoError(t, transport.Send(ctx, paymentOverdue{}, BuildOptions(ToThisEndpoint(), WithDelay(time.Minute))))

		n, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 1, store.CountByStatus()[OutboxPending])
	})

	t.Run("publisher failure marks the group failed", func(t *testing.T) {
		transport, store := newTestOutbox()
		logger := &recordingLogger{}
		local := &fakePublisher{destination: LocalPrefix, failErr: errors.New("handler failed")}
		metrics := &countingOutboxMetrics{}
		p := NewOutboxProcessor(store, WithPublisher(local), WithOutboxMetrics(metrics), WithProcessorLogger(logger))

		require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(WithDestination("local:shipping"))))

		n, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		failed, err := store.ByStatus(ctx, OutboxFailed, 0)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "handler failed", failed[0].LastError)
		assert.Equal(t, 1, metrics.failed)
		assert.Contains(t, logger.warns, "Outbox publish failed")
	})

	t.Run("missing publisher", func(t *testing.T) {
		transport, store := newTestOutbox()
		p := NewOutboxProcessor(store)

		require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(WithDestination("sqs:orders"))))
		_, err := p.ProcessOnce(ctx)
		require.NoError(t, err)

		failed, err := store.ByStatus(ctx, OutboxFailed, 0)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].LastError, ErrPublisherNotFound.Error())
	})

	t.Run("batch size", func(t *testing.T) {
		transport, store := newTestOutbox()
		local := &fakePublisher{destination: LocalPrefix}
		p := NewOutboxProcessor(store, WithPublisher(local), WithBatchSize(2))

		for i := 0; i < 5; i++ {
			require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(WithDestination("local:shipping"))))
		}

		n, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		total, err := p.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, local.published(), 5)
	})
}

func TestOutboxProcessor_Maintenance(t *testing.T) {
	ctx := context.Background()
	transport, store := newTestOutbox(WithOutboxMaxAttempts(2))
	local := &fakePublisher{destination: LocalPrefix, failErr: errors.New("down")}
	metrics := &countingOutboxMetrics{}
	p := NewOutboxProcessor(store, WithPublisher(local), WithMaxRetries(2), WithOutboxMetrics(metrics))

	require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(WithDestination("local:shipping"))))

	_, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	p.runMaintenance(ctx)
	assert.Equal(t, 1, store.CountByStatus()[OutboxPending])

	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	p.runMaintenance(ctx)
	assert.Equal(t, 1, store.CountByStatus()[OutboxDeadLetter])
	assert.Equal(t, 1, metrics.deadLettered)
}

func TestOutboxProcessor_StartStop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	transport := NewOutboxTransport(store)
	local := &fakePublisher{destination: LocalPrefix}
	p := NewOutboxProcessor(store,
		WithPublisher(local),
		WithPollInterval(5*time.Millisecond),
		WithRetryBackoff(time.Hour),
		WithCleanupInterval(time.Hour),
		WithCleanupAge(time.Hour))

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(ctx), ErrOutboxProcessorRunning)

	require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(ToThisEndpoint())))
	require.Eventually(t, func() bool {
		return len(local.published()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Stop(ctx))
}

func TestOutboxProcessor_DeliversBacklogInBatches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	transport := NewOutboxTransport(store)
	local := &fakePublisher{destination: LocalPrefix}
	p := NewOutboxProcessor(store,
		WithPublisher(local),
		WithBatchSize(2),
		WithPollInterval(10*time.Millisecond))

	for i := 0; i < 5; i++ {
		require.NoError(t, transport.Send(ctx, orderAccepted{}, BuildOptions(ToThisEndpoint())))
	}

	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool {
		return len(local.published()) == 5
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(ctx))

	local.mu.Lock()
	defer local.mu.Unlock()
	for _, batch := range local.batches {
		assert.LessOrEqual(t, len(batch), 2)
	}
	assert.Equal(t, 5, store.CountByStatus()[OutboxCompleted])
}

func TestOutboxProcessor_StopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewOutboxProcessor(memory.NewOutboxStore(), WithPollInterval(5*time.Millisecond))

	require.NoError(t, p.Start(ctx))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
	assert.False(t, p.IsRunning())

	require.NoError(t, p.Start(context.Background()), "a stopped processor can be started again")
	require.NoError(t, p.Stop(stopCtx))
}

func TestDestinationPrefix(t *testing.T) {
	assert.Equal(t, "webhook", destinationPrefix("webhook:https://example.com/hook"))
	assert.Equal(t, "local", destinationPrefix("local:sales"))
	assert.Equal(t, "plain", destinationPrefix("plain"))
	assert.Equal(t, ":odd", destinationPrefix(":odd"))
}

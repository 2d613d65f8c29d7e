package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "kafka", New().Destination())
	assert.Equal(t, "kafka:orders", Destination("orders"))
}

func TestExtractTopic(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"kafka:orders", "orders"},
		{"kafka:sales.order-accepted", "sales.order-accepted"},
		{"webhook:https://example.com", ""},
		{"invalid", ""},
		{"kafka:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTopic(tt.destination))
		})
	}
}

func TestNew_Options(t *testing.T) {
	p := New()
	assert.Equal(t, []string{"localhost:9092"}, p.brokers)
	assert.IsType(t, &kafkago.Hash{}, p.balancer)

	balancer := &kafkago.RoundRobin{}
	rt := &kafkago.Transport{}
	p = New(WithBrokers("b1:9092", "b2:9092"), WithBalancer(balancer), WithBatchTimeout(time.Second), WithTransport(rt))
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, p.brokers)
	assert.Same(t, balancer, p.balancer)
	assert.Equal(t, time.Second, p.batchTimeout)
	assert.Same(t, rt, p.transport)
}

func TestPublisher_Publish_InvalidDestination(t *testing.T) {
	err := New().Publish(context.Background(), []*adapters.OutboxMessage{
		{ID: "msg-1", Destination: "kafka:", Payload: []byte(`{}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing topic")
}

func TestPublisher_GetWriterCaching(t *testing.T) {
	p := New()
	w1 := p.getWriter("orders")
	assert.Same(t, w1, p.getWriter("orders"))
	assert.NotSame(t, w1, p.getWriter("payments"))
	assert.Equal(t, "orders", w1.Topic)
	require.NoError(t, p.Close())
	assert.Empty(t, p.writers)
}

func TestToKafkaMessage(t *testing.T) {
	km := toKafkaMessage(&adapters.OutboxMessage{
		PartitionKey: "saga-1",
		MessageType:   "orderAccepted",
		Payload:     []byte(`{"orderId":"o-1"}`),
		Headers:     map[string]string{stoat.HeaderMessageID: "m-1"},
	})

	assert.Equal(t, []byte("saga-1"), km.Key)
	assert.Equal(t, []byte(`{"orderId":"o-1"}`), km.Value)
	headers := EnvelopeFromMessage(km).Headers
	assert.Equal(t, "m-1", headers.Get(stoat.HeaderMessageID))
	assert.Equal(t, "orderAccepted", headers.Get(stoat.HeaderMessageType))
}

func TestEnvelopeFromMessage(t *testing.T) {
	env := EnvelopeFromMessage(kafkago.Message{
		Value: []byte(`{"orderId":"o-1"}`),
		Headers: []kafkago.Header{
			{Key: stoat.HeaderMessageID, Value: []byte("m-1")},
			{Key: stoat.HeaderMessageType, Value: []byte("orderPaid")},
			{Key: stoat.HeaderSagaID, Value: []byte("saga-1")},
		},
	})

	assert.Equal(t, "m-1", env.ID)
	assert.Equal(t, "orderPaid", env.MessageType)
	assert.Equal(t, "saga-1", env.Headers.Get(stoat.HeaderSagaID))
	assert.Nil(t, env.Message)
	assert.Equal(t, []byte(`{"orderId":"o-1"}`), env.Body)
}

// =============================================================================
// Consumer
// =============================================================================

type fakeReader struct {
	messages  []kafkago.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	if len(r.messages) == 0 {
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	written []kafkago.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type receiverFunc func(ctx context.Context, env *stoat.Envelope) error

func (f receiverFunc) Receive(ctx context.Context, env *stoat.Envelope) error { return f(ctx, env) }

func withReader(r messageReader) ConsumerOption {
	return func(s *consumerSettings) { s.reader = r }
}

func withErrorWriter(w messageWriter) ConsumerOption {
	return func(s *consumerSettings) { s.errors = w }
}

func orderMessage(offset int64, messageType string) kafkago.Message {
	return kafkago.Message{
		Topic:   "sales",
		Offset:  offset,
		Value:   []byte(`{}`),
		Headers: []kafkago.Header{{Key: stoat.HeaderMessageType, Value: []byte(messageType)}},
	}
}

func TestConsumer_Run(t *testing.T) {
	t.Run("commits after each delivered message", func(t *testing.T) {
		reader := &fakeReader{messages: []kafkago.Message{orderMessage(1, "orderPaid"), orderMessage(2, "orderCancelled")}}
		var received []string
		c := NewConsumer("sales", receiverFunc(func(ctx context.Context, env *stoat.Envelope) error {
			received = append(received, env.MessageType)
			return nil
		}), withReader(reader))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, c.Run(ctx))

		assert.Equal(t, []string{"orderPaid", "orderCancelled"}, received)
		assert.Equal(t, []int64{1, 2}, reader.committed)
		require.NoError(t, c.Close())
		assert.True(t, reader.closed)
	})

	t.Run("failure without error topic stops uncommitted", func(t *testing.T) {
		reader := &fakeReader{messages: []kafkago.Message{orderMessage(7, "orderPaid")}}
		c := NewConsumer("sales", receiverFunc(func(context.Context, *stoat.Envelope) error {
			return errors.New("saga store down")
		}), withReader(reader))

		err := c.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "saga store down")
		assert.Empty(t, reader.committed)
	})

	t.Run("failure with error topic copies and commits", func(t *testing.T) {
		reader := &fakeReader{messages: []kafkago.Message{orderMessage(3, "orderPaid")}}
		writer := &fakeWriter{}
		c := NewConsumer("sales", receiverFunc(func(context.Context, *stoat.Envelope) error {
			return errors.New("no route")
		}), withReader(reader), withErrorWriter(writer), WithErrorTopic("sales.errors"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, c.Run(ctx))

		require.Len(t, writer.written, 1)
		assert.Equal(t, []byte(`{}`), writer.written[0].Value)
		assert.Equal(t, []int64{3}, reader.committed)
	})
}

// =============================================================================
// Integration tests
// =============================================================================

type integrationEnv struct {
	brokers   string
	topic     string
	publisher *Publisher
	ctx       context.Context
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test (short mode)")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic := fmt.Sprintf("stoat-test-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)

	return &integrationEnv{
		brokers:   brokers,
		topic:     topic,
		publisher: New(WithBrokers(brokers), WithTransport(&kafkago.Transport{})),
		ctx:       context.Background(),
	}
}

func createTopic(t *testing.T, brokers string, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestKafka_RoundTrip_Integration(t *testing.T) {
	env := setupIntegration(t)
	defer env.publisher.Close()

	require.NoError(t, env.publisher.Publish(env.ctx, []*adapters.OutboxMessage{{
		ID:          "msg-1",
		PartitionKey: "saga-1",
		MessageType:   "orderAccepted",
		Destination: Destination(env.topic),
		Payload:     []byte(`{"orderId":"o-1"}`),
		Headers:     map[string]string{stoat.HeaderMessageID: "m-1"},
	}}))

	received := make(chan *stoat.Envelope, 1)
	c := NewConsumer(env.topic, receiverFunc(func(ctx context.Context, e *stoat.Envelope) error {
		received <- e
		return nil
	}), WithConsumerBrokers(env.brokers), WithGroupID(env.topic+"-group"))
	defer c.Close()

	ctx, cancel := context.WithTimeout(env.ctx, 15*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case e := <-received:
		assert.Equal(t, "m-1", e.ID)
		assert.Equal(t, "orderAccepted", e.MessageType)
		assert.JSONEq(t, `{"orderId":"o-1"}`, string(e.Body))
	case <-ctx.Done():
		t.Fatal("message not consumed")
	}
}

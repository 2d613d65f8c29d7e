// Package kafka carries stoat messages over Kafka topics using
// github.com/segmentio/kafka-go. The Publisher drains outbox messages
// addressed to "kafka:<topic>"; the Consumer feeds a topic back into an
// endpoint's dispatcher.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	kafkago "github.com/segmentio/kafka-go"
)

// Prefix is the destination prefix handled by this package.
const Prefix = "kafka"

// Destination returns the outbox destination of topic.
func Destination(topic string) string {
	return Prefix + ":" + topic
}

// Publisher publishes outbox messages to Kafka topics.
// Messages are keyed by their outbox PartitionKey, which is the saga id or
// correlation id when known, so one saga's messages stay on one partition.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	mu           sync.RWMutex
	writers      map[string]*kafkago.Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partitioner.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout of the writers.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets the kafka-go transport used by the writers.
func WithTransport(rt kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = rt
	}
}

// New creates a Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]*kafkago.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish writes messages to the topics named by their destinations.
// Every topic is attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	grouped := make(map[string][]kafkago.Message)
	var topics []string
	var errs []error
	for _, msg := range messages {
		topic := extractTopic(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		if _, ok := grouped[topic]; !ok {
			topics = append(topics, topic)
		}
		grouped[topic] = append(grouped[topic], toKafkaMessage(msg))
	}

	for _, topic := range topics {
		if err := p.getWriter(topic).WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) getWriter(topic string) *kafkago.Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

func toKafkaMessage(msg *adapters.OutboxMessage) kafkago.Message {
	km := kafkago.Message{
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	if _, ok := msg.Headers[stoat.HeaderMessageType]; !ok && msg.MessageType != "" {
		km.Headers = append(km.Headers, kafkago.Header{Key: stoat.HeaderMessageType, Value: []byte(msg.MessageType)})
	}
	return km
}

// extractTopic removes the "kafka:" prefix from a destination.
func extractTopic(destination string) string {
	const prefix = Prefix + ":"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}

var _ stoat.Publisher = (*Publisher)(nil)

package kafka

import (
	"context"
	"errors"
	"fmt"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	kafkago "github.com/segmentio/kafka-go"
)

// Receiver processes one delivered envelope. *stoat.Dispatcher implements it.
type Receiver interface {
	Receive(ctx context.Context, env *stoat.Envelope) error
}

// messageReader is the part of *kafkago.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// messageWriter is the part of *kafkago.Writer the consumer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads a topic in a consumer group and hands each message to a
// Receiver. Offsets are committed after the receiver succeeds. A failed
// message is copied to the error topic and committed; without an error
// topic the consumer stops so the message is redelivered on restart.
type Consumer struct {
	reader   messageReader
	errors   messageWriter
	receiver Receiver
	logger   stoat.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	brokers    []string
	groupID    string
	errorTopic string
	logger     stoat.Logger
	reader     messageReader
	errors     messageWriter
}

// WithConsumerBrokers sets the broker addresses.
func WithConsumerBrokers(brokers ...string) ConsumerOption {
	return func(s *consumerSettings) {
		s.brokers = brokers
	}
}

// WithGroupID sets the consumer group. Defaults to the topic name.
func WithGroupID(id string) ConsumerOption {
	return func(s *consumerSettings) {
		s.groupID = id
	}
}

// WithErrorTopic sets the topic failed messages are copied to.
func WithErrorTopic(topic string) ConsumerOption {
	return func(s *consumerSettings) {
		s.errorTopic = topic
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l stoat.Logger) ConsumerOption {
	return func(s *consumerSettings) {
		s.logger = l
	}
}

// NewConsumer creates a Consumer of topic delivering to receiver.
func NewConsumer(topic string, receiver Receiver, opts ...ConsumerOption) *Consumer {
	s := &consumerSettings{
		brokers: []string{"localhost:9092"},
		groupID: topic,
		logger:  stoat.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.reader == nil {
		s.reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: s.brokers,
			GroupID: s.groupID,
			Topic:   topic,
		})
	}
	if s.errors == nil && s.errorTopic != "" {
		s.errors = &kafkago.Writer{
			Addr:                   kafkago.TCP(s.brokers...),
			Topic:                  s.errorTopic,
			Balancer:               &kafkago.Hash{},
			AllowAutoTopicCreation: true,
		}
	}

	return &Consumer{
		reader:   s.reader,
		errors:   s.errors,
		receiver: receiver,
		logger:   s.logger,
	}
}

// Run consumes until ctx is cancelled or a message fails without an error
// topic configured.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: fetch failed: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) error {
	env := EnvelopeFromMessage(msg)
	if err := c.receiver.Receive(ctx, env); err != nil {
		c.logger.Error("Kafka message failed",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"messageType", env.MessageType,
			"error", err)
		if c.errors == nil {
			return fmt.Errorf("kafka: %s at offset %d failed: %w", msg.Topic, msg.Offset, err)
		}
		failed := kafkago.Message{Key: msg.Key, Value: msg.Value, Headers: msg.Headers}
		if werr := c.errors.WriteMessages(ctx, failed); werr != nil {
			return fmt.Errorf("kafka: failed to copy message to error topic: %w", werr)
		}
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: commit failed: %w", err)
	}
	return nil
}

// Close closes the reader and the error topic writer.
func (c *Consumer) Close() error {
	var errs []error
	errs = append(errs, c.reader.Close())
	if c.errors != nil {
		errs = append(errs, c.errors.Close())
	}
	return errors.Join(errs...)
}

// EnvelopeFromMessage converts a Kafka message into an envelope whose body is
// deserialized by the receiving dispatcher.
func EnvelopeFromMessage(msg kafkago.Message) *stoat.Envelope {
	headers := make(stoat.Headers, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &stoat.Envelope{
		ID:          headers.Get(stoat.HeaderMessageID),
		MessageType: headers.Get(stoat.HeaderMessageType),
		Body:        msg.Value,
		Headers:     headers,
	}
}

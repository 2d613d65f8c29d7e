// Package sns publishes outbox messages to AWS SNS topics.
// Destination format: "sns:arn:aws:sns:region:account:topic".
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Prefix is the destination prefix handled by this package.
const Prefix = "sns"

// Destination returns the outbox destination of a topic ARN.
func Destination(topicARN string) string {
	return Prefix + ":" + topicARN
}

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes outbox messages to SNS topics. Headers become string
// message attributes.
type Publisher struct {
	client         SNSClient
	messageGroupID string
	fifo           bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID sets a fixed message group for FIFO topics.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.messageGroupID = groupID
		p.fifo = true
	}
}

// WithFIFO groups FIFO messages by their PartitionKey, so one saga's messages
// keep their order, and deduplicates by outbox message id.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates an SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish sends each message to the topic named by its destination. All
// messages are attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if p.client == nil {
		return errors.New("sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		topicARN := extractTopicARN(msg.Destination)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("sns: invalid destination %q: missing topic ARN", msg.Destination))
			continue
		}
		if _, err := p.client.Publish(ctx, p.input(topicARN, msg)); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish to %s: %w", topicARN, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) input(topicARN string, msg *adapters.OutboxMessage) *sns.PublishInput {
	input := &sns.PublishInput{
		TopicArn: stringPtr(topicARN),
		Message:  stringPtr(string(msg.Payload)),
	}

	attrs := make(map[string]types.MessageAttributeValue, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		attrs[k] = stringAttribute(v)
	}
	if _, ok := attrs[stoat.HeaderMessageType]; !ok && msg.MessageType != "" {
		attrs[stoat.HeaderMessageType] = stringAttribute(msg.MessageType)
	}
	if len(attrs) > 0 {
		input.MessageAttributes = attrs
	}

	if p.fifo {
		group := p.messageGroupID
		if group == "" {
			group = msg.PartitionKey
		}
		if group == "" {
			group = msg.ID
		}
		input.MessageGroupId = stringPtr(group)
		input.MessageDeduplicationId = stringPtr(msg.ID)
	}
	return input
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    stringPtr("String"),
		StringValue: stringPtr(v),
	}
}

// extractTopicARN removes the "sns:" prefix from a destination.
func extractTopicARN(destination string) string {
	const prefix = Prefix + ":"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}

func stringPtr(s string) *string {
	return &s
}

var _ stoat.Publisher = (*Publisher)(nil)

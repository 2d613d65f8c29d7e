package sns

import (
	"context"
	"errors"
	"testing"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topicARN = "arn:aws:sns:eu-west-1:123456789012:orders"

type mockSNSClient struct {
	publishCalls []*sns.PublishInput
	publishErr   error
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.publishCalls = append(m.publishCalls, params)
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &sns.PublishOutput{MessageId: stringPtr("sns-1")}, nil
}

func accepted(id, sagaID string) *adapters.OutboxMessage {
	return &adapters.OutboxMessage{
		ID:          id,
		PartitionKey: sagaID,
		MessageType:   "orderAccepted",
		Destination: Destination(topicARN),
		Payload:     []byte(`{"orderId":"o-1"}`),
		Headers:     map[string]string{stoat.HeaderMessageID: id},
	}
}

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "sns", New().Destination())
	assert.Equal(t, "sns:"+topicARN, Destination(topicARN))
}

func TestPublisher_Publish(t *testing.T) {
	mock := &mockSNSClient{}
	p := New(WithSNSClient(mock))

	require.NoError(t, p.Publish(context.Background(), []*adapters.OutboxMessage{accepted("m-1", "saga-1")}))
	require.Len(t, mock.publishCalls, 1)

	call := mock.publishCalls[0]
	assert.Equal(t, topicARN, *call.TopicArn)
	assert.Equal(t, `{"orderId":"o-1"}`, *call.Message)
	assert.Equal(t, "m-1", *call.MessageAttributes[stoat.HeaderMessageID].StringValue)
	assert.Equal(t, "orderAccepted", *call.MessageAttributes[stoat.HeaderMessageType].StringValue)
	assert.Equal(t, "String", *call.MessageAttributes[stoat.HeaderMessageType].DataType)
	assert.Nil(t, call.MessageGroupId)
	assert.Nil(t, call.MessageDeduplicationId)
}

func TestPublisher_Publish_FIFO(t *testing.T) {
	t.Run("grouped by saga", func(t *testing.T) {
		mock := &mockSNSClient{}
		p := New(WithSNSClient(mock), WithFIFO())

		require.NoError(t, p.Publish(context.Background(), []*adapters.OutboxMessage{
			accepted("m-1", "saga-1"),
			accepted("m-2", ""),
		}))

		require.Len(t, mock.publishCalls, 2)
		assert.Equal(t, "saga-1", *mock.publishCalls[0].MessageGroupId)
		assert.Equal(t, "m-1", *mock.publishCalls[0].MessageDeduplicationId)
		assert.Equal(t, "m-2", *mock.publishCalls[1].MessageGroupId)
	})

	t.Run("fixed group", func(t *testing.T) {
		mock := &mockSNSClient{}
		p := New(WithSNSClient(mock), WithMessageGroupID("orders"))

		require.NoError(t, p.Publish(context.Background(), []*adapters.OutboxMessage{accepted("m-1", "saga-1")}))
		assert.Equal(t, "orders", *mock.publishCalls[0].MessageGroupId)
	})
}

func TestPublisher_Publish_Errors(t *testing.T) {
	t.Run("no client", func(t *testing.T) {
		err := New().Publish(context.Background(), []*adapters.OutboxMessage{accepted("m-1", "")})
		assert.EqualError(t, err, "sns: client not configured")
	})

	t.Run("invalid destination does not stop the batch", func(t *testing.T) {
		mock := &mockSNSClient{}
		bad := accepted("m-1", "")
		bad.Destination = "sns:"

		err := New(WithSNSClient(mock)).Publish(context.Background(), []*adapters.OutboxMessage{bad, accepted("m-2", "")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing topic ARN")
		assert.Len(t, mock.publishCalls, 1)
	})

	t.Run("client failure", func(t *testing.T) {
		mock := &mockSNSClient{publishErr: errors.New("throttled")}
		err := New(WithSNSClient(mock)).Publish(context.Background(), []*adapters.OutboxMessage{accepted("m-1", "")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttled")
		assert.Contains(t, err.Error(), topicARN)
	})
}

func TestExtractTopicARN(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"sns:" + topicARN, topicARN},
		{"sns:", ""},
		{"kafka:orders", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTopicARN(tt.destination))
		})
	}
}

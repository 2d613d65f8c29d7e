package stoat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRegistry(t *testing.T) {
	r := NewMessageRegistry()
	r.Register("OrderPaid", &orderPaid{})
	r.RegisterAll(orderCancelled{}, typedMessage{})

	typ, ok := r.Lookup("OrderPaid")
	require.True(t, ok)
	assert.Equal(t, "orderPaid", typ.Name())

	_, ok = r.Lookup("orderPaid")
	assert.False(t, ok)

	assert.Equal(t, []string{"OrderPaid", "orderCancelled", "orders.v1.Typed"}, r.RegisteredTypes())
}

func TestJSONSerializer(t *testing.T) {
	s := NewJSONSerializer()
	s.RegisterAll(orderSubmitted{})

	t.Run("restores the registered type", func(t *testing.T) {
		data, err := s.Serialize(orderSubmitted{OrderID: "o-1", Total: 12})
		require.NoError(t, err)
		assert.JSONEq(t, `{"orderId":"o-1","total":12}`, string(data))

		msg, err := s.Deserialize(data, "orderSubmitted")
		require.NoError(t, err)
		assert.Equal(t, orderSubmitted{OrderID: "o-1", Total: 12}, msg)
	})

	t.Run("unregistered type", func(t *testing.T) {
		_, err := s.Deserialize([]byte(`{}`), "refundIssued")
		var notRegistered *MessageTypeNotRegisteredError
		require.ErrorAs(t, err, &notRegistered)
		assert.Equal(t, "refundIssued", notRegistered.MessageType)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := s.Deserialize(nil, "orderSubmitted")
		assert.ErrorIs(t, err, ErrSerializationFailed)

		_, err = s.Deserialize([]byte(`{"total":"many"}`), "orderSubmitted")
		assert.ErrorIs(t, err, ErrSerializationFailed)

		_, err = s.Serialize(nil)
		assert.ErrorIs(t, err, ErrNilMessage)

		_, err = s.Serialize(make(chan int))
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("shares a registry", func(t *testing.T) {
		registry := NewMessageRegistry()
		a := NewJSONSerializerWithRegistry(registry)
		a.Register("paid", orderPaid{})
		assert.Same(t, registry, a.Registry())

		b := NewJSONSerializerWithRegistry(registry)
		msg, err := b.Deserialize([]byte(`{"orderId":"o-3"}`), "paid")
		require.NoError(t, err)
		assert.Equal(t, orderPaid{OrderID: "o-3"}, msg)
	})
}

func TestJSONCodec(t *testing.T) {
	inst := newOrder("saga-1")
	inst.SetCurrentState("AwaitingPayment")
	inst.OrderID = "o-1"
	inst.Steps = []string{"submitted"}

	data, err := JSONCodec{}.Marshal(inst)
	require.NoError(t, err)

	restored := &orderSaga{}
	require.NoError(t, JSONCodec{}.Unmarshal(data, restored))
	assert.Equal(t, inst, restored)

	err = JSONCodec{}.Unmarshal([]byte(`{"orderId":`), &orderSaga{})
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

package stoat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleBinding builds an engine whose Initial state binds orderSubmitted
// to the activities added by bind.
func singleBinding(t *testing.T, bind func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted], opts ...EngineOption) (*Engine[*orderSaga], *Event[*orderSaga, orderSubmitted]) {
	t.Helper()
	sm := NewStateMachine[*orderSaga]("OrderSaga")
	submitted := NewEvent[orderSubmitted](sm, "OrderSubmitted", CorrelateBy(byOrderID[orderSubmitted](), sagaOrderID))
	sm.Initially(bind(When(submitted)))
	e, err := NewEngine(sm, opts...)
	require.NoError(t, err)
	return e, submitted
}

func acceptedFor(c *EventContext[*orderSaga, orderSubmitted]) interface{} {
	return orderAccepted{OrderID: c.Message.OrderID}
}

func TestSendActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("send carries the originating saga", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.Send(acceptedFor, WithDestination("shipping"))
		})
		transport := &recordingTransport{}
		mc := inbound(transport, orderSubmitted{}, Headers{HeaderCorrelationID: "corr-1"})

		require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, mc, submitted))

		sent := transport.byKind("send")
		require.Len(t, sent, 1)
		assert.Equal(t, orderAccepted{OrderID: "o-1"}, sent[0].msg)
		assert.Equal(t, "shipping", sent[0].destination)
		assert.Equal(t, "saga-1", sent[0].opts.Header(HeaderOriginatingSagaID))
		assert.Equal(t, "OrderSaga", sent[0].opts.Header(HeaderOriginatingSagaType))
		assert.Equal(t, "corr-1", sent[0].opts.Header(HeaderCorrelationID))
	})

	t.Run("publish", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.Publish(acceptedFor)
		})
		transport := &recordingTransport{}

		require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, inbound(transport, orderSubmitted{}, nil), submitted))
		assert.Len(t, transport.byKind("publish"), 1)
	})

	t.Run("reply goes to the reply address", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.Reply(acceptedFor)
		})
		transport := &recordingTransport{}
		mc := inbound(transport, orderSubmitted{}, Headers{HeaderReplyToAddress: "local:storefront"})

		require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, mc, submitted))

		sent := transport.byKind("send")
		require.Len(t, sent, 1)
		assert.Equal(t, "local:storefront", sent[0].destination)
	})

	t.Run("async factory error stops the pipeline", func(t *testing.T) {
		boom := errors.New("pricing unavailable")
		reached := false
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.
				SendAsync(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) (interface{}, error) {
					return nil, boom
				}).
				Then(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) error {
					reached = true
					return nil
				})
		})
		transport := &recordingTransport{}

		err := e.Execute(ctx, newOrder("saga-1"), orderSubmitted{}, inbound(transport, orderSubmitted{}, nil), submitted)
		assert.Equal(t, boom, err)
		assert.False(t, reached)
		assert.Empty(t, transport.messages())
	})

	t.Run("nil message from factory", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.Send(func(c *EventContext[*orderSaga, orderSubmitted]) interface{} { return nil })
		})
		err := e.Execute(ctx, newOrder("saga-1"), orderSubmitted{}, inbound(&recordingTransport{}, orderSubmitted{}, nil), submitted)
		assert.ErrorIs(t, err, ErrNilMessage)
	})

	t.Run("requires a message context", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.Send(acceptedFor)
		})
		err := e.Execute(ctx, newOrder("saga-1"), orderSubmitted{}, nil, submitted)
		assert.ErrorIs(t, err, ErrNoMessageContext)
	})
}

func TestSendActivity_Constructors(t *testing.T) {
	_, err := NewSendActivity[*orderSaga](nil)
	assert.ErrorIs(t, err, ErrNilMessageFactory)
	_, err = NewPublishActivityAsync[*orderSaga](nil)
	assert.ErrorIs(t, err, ErrNilMessageFactory)
	_, err = NewReplyActivity[*orderSaga](nil)

	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "reply", argErr.Activity)
	assert.Equal(t, "messageFactory", argErr.Argument)

	a, err := NewPublishActivity(func(bc *BehaviorContext[*orderSaga]) interface{} { return orderAccepted{} })
	require.NoError(t, err)
	p := &ProbeContext{}
	a.Probe(p)
	require.Len(t, p.Entries(), 1)
	assert.Equal(t, "publish", p.Entries()[0].Activity)
	assert.Equal(t, "sync", p.Entries()[0].Properties["factory"])
}

func TestRequestTimeoutActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("delay routes back to the saga", func(t *testing.T) {
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.RequestTimeout(func(c *EventContext[*orderSaga, orderSubmitted]) interface{} {
				return paymentOverdue{OrderID: c.Message.OrderID}
			}, 30*time.Minute)
		})
		transport := &recordingTransport{}

		require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, inbound(transport, orderSubmitted{}, nil), submitted))

		sent := transport.byKind("send")
		require.Len(t, sent, 1)
		opts := sent[0].opts
		assert.Equal(t, paymentOverdue{OrderID: "o-1"}, sent[0].msg)
		assert.True(t, opts.RoutesToThisEndpoint())
		assert.Equal(t, 30*time.Minute, opts.Delay())
		assert.Equal(t, "saga-1", opts.Header(HeaderSagaID))
		assert.Equal(t, "OrderSaga", opts.Header(HeaderSagaType))
		assert.Equal(t, "true", opts.Header(HeaderIsSagaTimeout))
	})

	t.Run("absolute time", func(t *testing.T) {
		at := testNow.Add(2 * time.Hour)
		e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
			return b.RequestTimeoutAt(func(c *EventContext[*orderSaga, orderSubmitted]) interface{} {
				return paymentOverdue{}
			}, at)
		})
		transport := &recordingTransport{}

		require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{}, inbound(transport, orderSubmitted{}, nil), submitted))

		sent := transport.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, at, sent[0].opts.DeliverAt())
		assert.Equal(t, time.Duration(0), sent[0].opts.Delay())
	})

	t.Run("ambiguous times are rejected", func(t *testing.T) {
		factory := func(bc *BehaviorContext[*orderSaga]) interface{} { return paymentOverdue{} }

		_, err := NewRequestTimeoutAtActivity(factory, time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
		assert.ErrorIs(t, err, ErrAmbiguousTimeZone)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewRequestTimeoutAtActivity(factory, time.Time{})
		assert.ErrorIs(t, err, ErrAmbiguousTimeZone)

		_, err = NewRequestTimeoutAtActivity(factory, testNow.In(time.FixedZone("CET", 3600)))
		assert.NoError(t, err)
	})

	t.Run("binder collects the error", func(t *testing.T) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		submitted := NewEvent[orderSubmitted](sm, "OrderSubmitted")
		sm.Initially(When(submitted).RequestTimeoutAt(func(c *EventContext[*orderSaga, orderSubmitted]) interface{} {
			return paymentOverdue{}
		}, time.Time{}))

		assert.ErrorIs(t, sm.Err(), ErrAmbiguousTimeZone)
	})

	t.Run("nil factory", func(t *testing.T) {
		_, err := NewRequestTimeoutActivity[*orderSaga](nil, time.Minute)
		assert.ErrorIs(t, err, ErrNilMessageFactory)
	})

	t.Run("probe describes delay", func(t *testing.T) {
		a, err := NewRequestTimeoutActivity(func(bc *BehaviorContext[*orderSaga]) interface{} { return paymentOverdue{} }, time.Minute)
		require.NoError(t, err)
		p := &ProbeContext{}
		a.Probe(p)
		assert.Equal(t, "1m0s", p.Entries()[0].Properties["delay"])
	})
}

func TestBehaviorContext_Payloads(t *testing.T) {
	ctx := context.Background()
	type tenant struct{ Name string }

	var seen tenant
	var haveScheduler bool
	e, submitted := singleBinding(t, func(b *EventBinder[*orderSaga, orderSubmitted]) *EventBinder[*orderSaga, orderSubmitted] {
		return b.Then(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) error {
			AddPayload(c.BehaviorContext, tenant{Name: "acme"})
			seen, _ = GetPayload[tenant](c.BehaviorContext)
			_, haveScheduler = c.Scheduler()
			assert.Equal(t, "OrderSubmitted", c.Event().Name())
			assert.Equal(t, orderSubmitted{OrderID: "o-1"}, c.RawMessage())
			assert.Equal(t, testNow, c.Now())
			assert.NotNil(t, c.Logger())
			return nil
		})
	}, WithEngineClock(fixedClock(testNow)))

	require.NoError(t, e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, nil, submitted))
	assert.Equal(t, "acme", seen.Name)
	assert.False(t, haveScheduler)
}

package stoat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderMachine struct {
	sm        *StateMachine[*orderSaga]
	awaiting  *State
	submitted *Event[*orderSaga, orderSubmitted]
	paid      *Event[*orderSaga, orderPaid]
	cancelled *Event[*orderSaga, orderCancelled]
}

func newOrderMachine(t *testing.T) *orderMachine {
	t.Helper()

	m := &orderMachine{sm: NewStateMachine[*orderSaga]("OrderSaga")}
	m.awaiting = m.sm.State("AwaitingPayment")
	m.submitted = NewEvent[orderSubmitted](m.sm, "OrderSubmitted",
		CorrelateBy(byOrderID[orderSubmitted](), sagaOrderID))
	m.paid = NewEvent[orderPaid](m.sm, "OrderPaid",
		CorrelateBy(byOrderID[orderPaid](), sagaOrderID),
		OnMissingInstance(func(c *MissingInstanceConfigurator[orderPaid]) { c.Discard() }))
	m.cancelled = NewEvent[orderCancelled](m.sm, "OrderCancelled",
		CorrelateBy(byOrderID[orderCancelled](), sagaOrderID))

	m.sm.Initially(
		When(m.submitted).
			Then(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) error {
				c.Instance().OrderID = c.Message.OrderID
				c.Instance().Total = c.Message.Total
				c.Instance().step("submitted")
				return nil
			}).
			TransitionTo(m.awaiting),
	)
	m.sm.During(m.awaiting,
		When(m.paid).
			Then(func(ctx context.Context, c *EventContext[*orderSaga, orderPaid]) error {
				c.Instance().step("paid")
				return nil
			}).
			Finalize(),
		Ignore(m.submitted),
	)
	m.sm.DuringAny(
		When(m.cancelled).
			Then(func(ctx context.Context, c *EventContext[*orderSaga, orderCancelled]) error {
				c.Instance().step("cancelled")
				return nil
			}).
			Finalize(),
	)
	return m
}

func (m *orderMachine) engine(t *testing.T, opts ...EngineOption) *Engine[*orderSaga] {
	t.Helper()
	e, err := NewEngine(m.sm, opts...)
	require.NoError(t, err)
	return e
}

func newOrder(id string) *orderSaga {
	s := &orderSaga{}
	s.SetSagaID(id)
	return s
}

func TestEngine_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("initial event runs its behavior and transitions", func(t *testing.T) {
		m := newOrderMachine(t)
		e := m.engine(t)
		inst := newOrder("saga-1")

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1", Total: 30}, nil, m.submitted))

		assert.Equal(t, "AwaitingPayment", inst.CurrentState())
		assert.Equal(t, "o-1", inst.OrderID)
		assert.Equal(t, 30, inst.Total)
		assert.Equal(t, []string{"submitted"}, inst.Steps)
		assert.False(t, inst.IsCompleted())
	})

	t.Run("pointer events accept decoded values", func(t *testing.T) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		awaiting := sm.State("AwaitingPayment")
		submitted := NewEvent[*orderSubmitted](sm, "Submitted")
		sm.Initially(When(submitted).
			Then(func(ctx context.Context, c *EventContext[*orderSaga, *orderSubmitted]) error {
				c.Instance().OrderID = c.Message.OrderID
				return nil
			}).
			TransitionTo(awaiting))
		assert.Equal(t, "orderSubmitted", submitted.MessageType())

		e, err := NewEngine(sm)
		require.NoError(t, err)

		inst := newOrder("saga-1")
		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, submitted))
		assert.Equal(t, "o-1", inst.OrderID)
		assert.Equal(t, "AwaitingPayment", inst.CurrentState())

		inst = newOrder("saga-2")
		require.NoError(t, e.Execute(ctx, inst, &orderSubmitted{OrderID: "o-2"}, nil, submitted))
		assert.Equal(t, "o-2", inst.OrderID)
	})

	t.Run("reaching Final completes the instance", func(t *testing.T) {
		logger := &recordingLogger{}
		m := newOrderMachine(t)
		e := m.engine(t, WithEngineLogger(logger))
		inst := newOrder("saga-1")

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))
		require.NoError(t, e.Execute(ctx, inst, orderPaid{OrderID: "o-1"}, nil, m.paid))

		assert.Equal(t, FinalStateName, inst.CurrentState())
		assert.True(t, inst.IsCompleted())
		assert.Equal(t, []string{"submitted", "paid"}, inst.Steps)
		assert.Contains(t, logger.debugs, "Saga transitioned")
		assert.Contains(t, logger.debugs, "Saga completed")
	})

	t.Run("event not bound in the current state is unhandled", func(t *testing.T) {
		m := newOrderMachine(t)
		e := m.engine(t)

		err := e.Execute(ctx, newOrder("saga-1"), orderPaid{OrderID: "o-1"}, nil, m.paid)

		var unhandled *UnhandledEventError
		require.ErrorAs(t, err, &unhandled)
		assert.Equal(t, "OrderPaid", unhandled.Event)
		assert.Equal(t, InitialStateName, unhandled.State)
	})

	t.Run("ignored event is accepted without effect", func(t *testing.T) {
		m := newOrderMachine(t)
		e := m.engine(t)
		inst := newOrder("saga-1")
		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))

		assert.Equal(t, "AwaitingPayment", inst.CurrentState())
		assert.Equal(t, []string{"submitted"}, inst.Steps)
	})

	t.Run("DuringAny applies to declared states but not Initial", func(t *testing.T) {
		m := newOrderMachine(t)
		e := m.engine(t)

		fresh := newOrder("saga-1")
		err := e.Execute(ctx, fresh, orderCancelled{OrderID: "o-1"}, nil, m.cancelled)
		assert.ErrorIs(t, err, ErrUnhandledEvent)

		inst := newOrder("saga-2")
		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-2"}, nil, m.submitted))
		require.NoError(t, e.Execute(ctx, inst, orderCancelled{OrderID: "o-2"}, nil, m.cancelled))
		assert.True(t, inst.IsCompleted())
		assert.Equal(t, []string{"submitted", "cancelled"}, inst.Steps)
	})

	t.Run("argument errors", func(t *testing.T) {
		m := newOrderMachine(t)
		e := m.engine(t)

		assert.ErrorIs(t, e.Execute(ctx, nil, orderPaid{}, nil, m.paid), ErrNilInstance)
		assert.ErrorIs(t, e.Execute(ctx, newOrder("s"), nil, nil, m.paid), ErrNilMessage)
		assert.ErrorIs(t, e.Execute(ctx, newOrder("s"), orderPaid{}, nil, nil), ErrEventNotDeclared)
		assert.ErrorIs(t, e.Execute(ctx, newOrder("s"), orderCancelled{}, nil, m.paid), ErrMessageTypeMismatch)
	})
}

func TestEngine_TransitionChains(t *testing.T) {
	ctx := context.Background()
	sm := NewStateMachine[*orderSaga]("OrderSaga")
	reserved := sm.State("Reserved")
	charged := sm.State("Charged")
	submitted := NewEvent[orderSubmitted](sm, "OrderSubmitted", CorrelateBy(byOrderID[orderSubmitted](), sagaOrderID))
	paid := NewEvent[orderPaid](sm, "OrderPaid", CorrelateBy(byOrderID[orderPaid](), sagaOrderID))

	sm.Initially(When(submitted).TransitionTo(reserved).TransitionTo(charged))
	sm.During(charged, When(paid).TransitionTo(charged))

	e, err := NewEngine(sm)
	require.NoError(t, err)

	inst := newOrder("saga-1")
	require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, submitted))
	assert.Equal(t, "Charged", inst.CurrentState())

	require.NoError(t, e.Execute(ctx, inst, orderPaid{OrderID: "o-1"}, nil, paid))
	assert.Equal(t, "Charged", inst.CurrentState())
}

// faultRecorder passes execution through and records the faults of the
// activities before it.
type faultRecorder struct {
	faults  []error
	swallow bool
}

func (a *faultRecorder) Probe(p *ProbeContext) { p.Add("faultRecorder") }
func (a *faultRecorder) Accept(v Visitor)      { v.Visit(a) }

func (a *faultRecorder) Execute(ctx context.Context, bc *BehaviorContext[*orderSaga], next Behavior[*orderSaga]) error {
	return next.Execute(ctx, bc)
}

func (a *faultRecorder) Faulted(ctx context.Context, bc *BehaviorContext[*orderSaga], err error, next Behavior[*orderSaga]) error {
	a.faults = append(a.faults, err)
	if a.swallow {
		return nil
	}
	return next.Faulted(ctx, bc, err)
}

func TestEngine_Faults(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("payment gateway unavailable")

	build := func(t *testing.T, recorder *faultRecorder) (*Engine[*orderSaga], *Event[*orderSaga, orderSubmitted]) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		awaiting := sm.State("AwaitingPayment")
		submitted := NewEvent[orderSubmitted](sm, "OrderSubmitted", CorrelateBy(byOrderID[orderSubmitted](), sagaOrderID))
		sm.Initially(When(submitted).
			Then(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) error {
				c.Instance().step("charge")
				return boom
			}).
			Add(recorder).
			TransitionTo(awaiting))
		e, err := NewEngine(sm)
		require.NoError(t, err)
		return e, submitted
	}

	t.Run("original error propagates and later activities do not run", func(t *testing.T) {
		recorder := &faultRecorder{}
		e, submitted := build(t, recorder)
		inst := newOrder("saga-1")

		err := e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, submitted)

		require.Equal(t, boom, err)
		assert.Equal(t, []error{boom}, recorder.faults)
		assert.Equal(t, InitialStateName, inst.CurrentState())
		assert.False(t, inst.IsCompleted())
	})

	t.Run("a faulted handler may absorb the error", func(t *testing.T) {
		recorder := &faultRecorder{swallow: true}
		e, submitted := build(t, recorder)
		inst := newOrder("saga-1")

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, submitted))
		assert.Len(t, recorder.faults, 1)
		assert.Equal(t, InitialStateName, inst.CurrentState())
	})
}

func TestEngine_Handle(t *testing.T) {
	ctx := context.Background()
	m := newOrderMachine(t)
	e := m.engine(t)

	t.Run("configured action runs", func(t *testing.T) {
		transport := &recordingTransport{}
		require.NoError(t, e.Handle(ctx, orderPaid{OrderID: "o-1"}, inbound(transport, orderPaid{}, nil)))
		assert.Empty(t, transport.messages())
	})

	t.Run("no action drops the message", func(t *testing.T) {
		assert.NoError(t, e.Handle(ctx, orderCancelled{OrderID: "o-1"}, nil))
	})

	t.Run("undeclared message type", func(t *testing.T) {
		err := e.Handle(ctx, orderAccepted{}, nil)
		assert.ErrorIs(t, err, ErrEventNotDeclared)
		assert.ErrorIs(t, e.Handle(ctx, nil, nil), ErrNilMessage)
	})
}

func TestEngine_Introspection(t *testing.T) {
	m := newOrderMachine(t)
	e := m.engine(t)

	assert.True(t, e.AcceptsNew(m.submitted))
	assert.False(t, e.AcceptsNew(m.paid))
	assert.False(t, e.AcceptsNew(nil))

	ev, ok := e.EventFor("orderPaid")
	require.True(t, ok)
	assert.Equal(t, "OrderPaid", ev.Name())
	_, ok = e.EventFor("orderAccepted")
	assert.False(t, ok)

	inst := newOrder("saga-1")
	inst.OrderID = "o-1"
	assert.Equal(t, []string{"o-1"}, e.CorrelationKeys(inst))
	assert.Empty(t, e.CorrelationKeys(newOrder("saga-2")))
	assert.Len(t, e.Correlations(), 3)
	assert.Nil(t, e.Scheduler())
}

func TestEngine_Probe(t *testing.T) {
	m := newOrderMachine(t)
	e := m.engine(t)

	entries := e.Probe()
	require.NotEmpty(t, entries)

	assert.Equal(t, "Initial / OrderSubmitted", entries[0].Scope)
	assert.Equal(t, "then", entries[0].Activity)
	assert.Equal(t, "transition", entries[1].Activity)
	assert.Equal(t, "AwaitingPayment", entries[1].Properties["toState"])

	var scopes []string
	for _, entry := range entries {
		scopes = append(scopes, entry.Scope)
	}
	assert.Contains(t, scopes, "AwaitingPayment / OrderCancelled")
	assert.NotContains(t, scopes, "Initial / OrderCancelled")
}

func TestEngine_Accept(t *testing.T) {
	m := newOrderMachine(t)
	e := m.engine(t)

	var states, events, activities int
	e.Accept(VisitorFunc(func(node interface{}) {
		switch node.(type) {
		case *State:
			states++
		case EventHandle:
			events++
		case Activity[*orderSaga]:
			activities++
		}
	}))

	assert.Equal(t, 3, states)
	assert.Equal(t, 3, events)
	assert.Equal(t, 6, activities)
}

func TestEngine_Graph(t *testing.T) {
	m := newOrderMachine(t)
	e := m.engine(t)

	graph := e.Graph()
	assert.Contains(t, graph, "digraph")
	assert.Contains(t, graph, "AwaitingPayment")
}

func TestNewEngine_Errors(t *testing.T) {
	_, err := NewEngine[*orderSaga](nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

package stoat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reminderMachine struct {
	sm        *StateMachine[*orderSaga]
	awaiting  *State
	submitted *Event[*orderSaga, orderSubmitted]
	paid      *Event[*orderSaga, orderPaid]
	reminder  *Schedule[*orderSaga, paymentReminder]
}

func newReminderMachine(t *testing.T, opts ...ScheduleOption) *reminderMachine {
	t.Helper()

	m := &reminderMachine{sm: NewStateMachine[*orderSaga]("OrderSaga")}
	m.awaiting = m.sm.State("AwaitingPayment")
	m.submitted = NewEvent[orderSubmitted](m.sm, "OrderSubmitted", CorrelateBy(byOrderID[orderSubmitted](), sagaOrderID))
	m.paid = NewEvent[orderPaid](m.sm, "OrderPaid", CorrelateBy(byOrderID[orderPaid](), sagaOrderID))

	opts = append([]ScheduleOption{
		WithScheduleDelay(time.Hour),
		WithReceived(CorrelateBy(byOrderID[paymentReminder](), sagaOrderID)),
	}, opts...)
	m.reminder = NewSchedule[paymentReminder](m.sm, "PaymentReminder",
		func(s *orderSaga) *uuid.UUID { return s.ReminderToken },
		func(s *orderSaga, token *uuid.UUID) { s.ReminderToken = token },
		opts...)

	remind := func(c *EventContext[*orderSaga, orderSubmitted]) interface{} {
		return paymentReminder{OrderID: c.Message.OrderID}
	}
	m.sm.Initially(When(m.submitted).
		Then(func(ctx context.Context, c *EventContext[*orderSaga, orderSubmitted]) error {
			c.Instance().OrderID = c.Message.OrderID
			c.Instance().Total = c.Message.Total
			return nil
		}).
		Schedule(m.reminder, remind).
		TransitionTo(m.awaiting))
	m.sm.During(m.awaiting,
		When(m.submitted).Schedule(m.reminder, remind),
		When(m.reminder.AnyReceived).Then(func(ctx context.Context, c *EventContext[*orderSaga, paymentReminder]) error {
			c.Instance().step("any")
			return nil
		}),
		When(m.reminder.Received).Then(func(ctx context.Context, c *EventContext[*orderSaga, paymentReminder]) error {
			c.Instance().step("reminded")
			return nil
		}),
		When(m.paid).Unschedule(m.reminder).Finalize(),
	)
	return m
}

func TestSchedule_Declaration(t *testing.T) {
	m := newReminderMachine(t)
	require.NoError(t, m.sm.Err())

	assert.Equal(t, "PaymentReminder", m.reminder.Name())
	assert.Equal(t, "PaymentReminder.Received", m.reminder.Received.Name())
	assert.Equal(t, "PaymentReminder.AnyReceived", m.reminder.AnyReceived.Name())
	assert.Equal(t, "paymentReminder", m.reminder.Received.MessageType())
	assert.Equal(t, CorrelationExplicit, m.reminder.Received.Correlation().Strategy())

	_, err := m.sm.CorrelationFor("paymentReminder")
	assert.NoError(t, err)
}

func TestSchedule_DeclarationErrors(t *testing.T) {
	t.Run("accessors are required", func(t *testing.T) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		NewSchedule[paymentReminder](sm, "PaymentReminder", nil, nil)
		assert.ErrorIs(t, sm.Err(), ErrInvalidConfiguration)
	})

	t.Run("delay function for another saga type", func(t *testing.T) {
		type invoiceSaga struct{ InstanceBase }
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		NewSchedule[paymentReminder](sm, "PaymentReminder",
			func(s *orderSaga) *uuid.UUID { return s.ReminderToken },
			func(s *orderSaga, token *uuid.UUID) { s.ReminderToken = token },
			WithScheduleDelayFunc(func(bc *BehaviorContext[*invoiceSaga]) time.Duration { return time.Minute }))

		err := sm.Err()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "another saga type")
	})
}

func TestScheduleActivity(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, opts ...ScheduleOption) (*reminderMachine, *Engine[*orderSaga], *fakeScheduler, *orderSaga) {
		m := newReminderMachine(t, opts...)
		scheduler := &fakeScheduler{}
		e, err := NewEngine(m.sm, WithScheduler(scheduler), WithEngineClock(fixedClock(testNow)))
		require.NoError(t, err)
		return m, e, scheduler, newOrder("saga-1")
	}

	t.Run("stores the token of the scheduled message", func(t *testing.T) {
		m, e, scheduler, inst := setup(t)

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))

		require.Len(t, scheduler.scheduled, 1)
		assert.Empty(t, scheduler.cancelled, "nothing to cancel on the first schedule")
		scheduled := scheduler.scheduled[0]
		assert.Equal(t, testNow.Add(time.Hour), scheduled.ScheduledTime)
		assert.Equal(t, paymentReminder{OrderID: "o-1"}, scheduled.Payload)
		require.NotNil(t, inst.ReminderToken)
		assert.Equal(t, scheduled.TokenID, *inst.ReminderToken)

		opts := scheduler.options[0]
		assert.Equal(t, "saga-1", opts.Header(HeaderSagaID))
		assert.Equal(t, "OrderSaga", opts.Header(HeaderSagaType))
		assert.Same(t, scheduler, e.Scheduler())
	})

	t.Run("rescheduling cancels the previous token", func(t *testing.T) {
		m, e, scheduler, inst := setup(t)
		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))
		first := *inst.ReminderToken

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))

		require.Len(t, scheduler.scheduled, 2)
		assert.Equal(t, []uuid.UUID{first}, scheduler.cancelled)
		assert.Equal(t, scheduler.scheduled[1].TokenID, *inst.ReminderToken)
	})

	t.Run("delay function", func(t *testing.T) {
		m, e, scheduler, inst := setup(t, WithScheduleDelayFunc(func(bc *BehaviorContext[*orderSaga]) time.Duration {
			return time.Duration(bc.Instance().Total) * time.Minute
		}))

		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1", Total: 5}, nil, m.submitted))
		assert.Equal(t, testNow.Add(5*time.Minute), scheduler.scheduled[0].ScheduledTime)
	})

	t.Run("scheduler failure leaves the token untouched", func(t *testing.T) {
		m, e, scheduler, inst := setup(t)
		scheduler.failErr = errors.New("redis down")

		err := e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted)
		assert.EqualError(t, err, "redis down")
		assert.Nil(t, inst.ReminderToken)
		assert.Equal(t, InitialStateName, inst.CurrentState())
	})

	t.Run("no scheduler configured", func(t *testing.T) {
		m := newReminderMachine(t)
		e, err := NewEngine(m.sm)
		require.NoError(t, err)

		err = e.Execute(ctx, newOrder("saga-1"), orderSubmitted{OrderID: "o-1"}, nil, m.submitted)
		assert.ErrorIs(t, err, ErrSchedulerNotConfigured)
	})
}

func TestUnscheduleActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels the pending token", func(t *testing.T) {
		m := newReminderMachine(t)
		scheduler := &fakeScheduler{}
		e, err := NewEngine(m.sm, WithScheduler(scheduler))
		require.NoError(t, err)
		inst := newOrder("saga-1")
		require.NoError(t, e.Execute(ctx, inst, orderSubmitted{OrderID: "o-1"}, nil, m.submitted))
		token := *inst.ReminderToken

		require.NoError(t, e.Execute(ctx, inst, orderPaid{OrderID: "o-1"}, nil, m.paid))

		assert.Equal(t, []uuid.UUID{token}, scheduler.cancelled)
		assert.Nil(t, inst.ReminderToken)
		assert.True(t, inst.IsCompleted())
	})

	t.Run("nothing pending", func(t *testing.T) {
		m := newReminderMachine(t)
		e, err := NewEngine(m.sm)
		require.NoError(t, err)
		inst := newOrder("saga-1")
		inst.SetCurrentState("AwaitingPayment")

		require.NoError(t, e.Execute(ctx, inst, orderPaid{OrderID: "o-1"}, nil, m.paid))
		assert.True(t, inst.IsCompleted())
	})

	t.Run("delivery of the pending token itself is not cancelled", func(t *testing.T) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		awaiting := sm.State("AwaitingPayment")
		reminder := NewSchedule[paymentReminder](sm, "PaymentReminder",
			func(s *orderSaga) *uuid.UUID { return s.ReminderToken },
			func(s *orderSaga, token *uuid.UUID) { s.ReminderToken = token })
		sm.During(awaiting, When(reminder.AnyReceived).Unschedule(reminder))
		sm.During(awaiting, When(reminder.Received).TransitionTo(sm.Final()))

		scheduler := &fakeScheduler{}
		e, err := NewEngine(sm, WithScheduler(scheduler))
		require.NoError(t, err)

		token := uuid.New()
		inst := newOrder("saga-1")
		inst.SetCurrentState("AwaitingPayment")
		inst.ReminderToken = &token
		mc := inbound(nil, paymentReminder{}, Headers{HeaderSchedulingTokenID: token.String()})

		require.NoError(t, e.Execute(ctx, inst, paymentReminder{}, mc, reminder.Received))
		assert.Empty(t, scheduler.cancelled)
		assert.True(t, inst.IsCompleted())
	})

	t.Run("superseded inbound token cancels and clears", func(t *testing.T) {
		sm := NewStateMachine[*orderSaga]("OrderSaga")
		awaiting := sm.State("AwaitingPayment")
		reminder := NewSchedule[paymentReminder](sm, "PaymentReminder",
			func(s *orderSaga) *uuid.UUID { return s.ReminderToken },
			func(s *orderSaga, token *uuid.UUID) { s.ReminderToken = token })
		sm.During(awaiting, When(reminder.AnyReceived).Unschedule(reminder))
		sm.During(awaiting, When(reminder.Received).TransitionTo(sm.Final()))

		scheduler := &fakeScheduler{}
		e, err := NewEngine(sm, WithScheduler(scheduler))
		require.NoError(t, err)

		stored, stale := uuid.New(), uuid.New()
		inst := newOrder("saga-1")
		inst.SetCurrentState("AwaitingPayment")
		inst.ReminderToken = &stored
		mc := inbound(nil, paymentReminder{}, Headers{HeaderSchedulingTokenID: stale.String()})

		require.NoError(t, e.Execute(ctx, inst, paymentReminder{}, mc, reminder.Received))
		assert.Equal(t, []uuid.UUID{stored}, scheduler.cancelled)
		assert.Nil(t, inst.ReminderToken)
		assert.False(t, inst.IsCompleted(), "the stale delivery is discarded")
	})
}

func TestSchedule_Delivery(t *testing.T) {
	ctx := context.Background()

	deliver := func(t *testing.T, stored, delivered *uuid.UUID) (*orderSaga, error) {
		m := newReminderMachine(t)
		logger := &recordingLogger{}
		e, err := NewEngine(m.sm, WithScheduler(&fakeScheduler{}), WithEngineLogger(logger))
		require.NoError(t, err)

		inst := newOrder("saga-1")
		inst.OrderID = "o-1"
		inst.SetCurrentState("AwaitingPayment")
		inst.ReminderToken = stored

		headers := Headers{}
		if delivered != nil {
			headers[HeaderSchedulingTokenID] = delivered.String()
		}
		mc := inbound(nil, paymentReminder{OrderID: "o-1"}, headers)
		return inst, e.Execute(ctx, inst, paymentReminder{OrderID: "o-1"}, mc, m.reminder.Received)
	}

	t.Run("pending token raises Received and clears it", func(t *testing.T) {
		token := uuid.New()
		inst, err := deliver(t, &token, &token)

		require.NoError(t, err)
		assert.Equal(t, []string{"any", "reminded"}, inst.Steps)
		assert.Nil(t, inst.ReminderToken)
	})

	t.Run("superseded token is discarded", func(t *testing.T) {
		current := uuid.New()
		stale := uuid.New()
		inst, err := deliver(t, &current, &stale)

		require.NoError(t, err)
		assert.Equal(t, []string{"any"}, inst.Steps)
		require.NotNil(t, inst.ReminderToken)
		assert.Equal(t, current, *inst.ReminderToken)
	})

	t.Run("delivery after unschedule is discarded", func(t *testing.T) {
		stale := uuid.New()
		inst, err := deliver(t, nil, &stale)

		require.NoError(t, err)
		assert.Equal(t, []string{"any"}, inst.Steps)
	})

	t.Run("message without a token is raised", func(t *testing.T) {
		inst, err := deliver(t, nil, nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"any", "reminded"}, inst.Steps)
	})
}

func TestInboundToken(t *testing.T) {
	token := uuid.New()

	got, ok := inboundToken(Headers{HeaderSchedulingTokenID: token.String()})
	assert.True(t, ok)
	assert.Equal(t, token, got)

	_, ok = inboundToken(Headers{HeaderSchedulingTokenID: "not-a-uuid"})
	assert.False(t, ok)

	_, ok = inboundToken(nil)
	assert.False(t, ok)
}

func TestCancellationGuarantee_String(t *testing.T) {
	assert.Equal(t, "BestEffort", CancellationBestEffort.String())
	assert.Equal(t, "Guaranteed", CancellationGuaranteed.String())
}

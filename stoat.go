// Package stoat correlates messages to long-running saga instances and drives
// them through declarative state machines.
//
// A saga is a state machine over one Go type that embeds InstanceBase. Events
// name the message types that drive it and say how each message finds its
// instance. Bindings attach activities (state changes, sends, publishes,
// replies, timeouts and scheduled messages) to events per state.
//
// # Defining a Saga
//
//	type OrderSaga struct {
//	    stoat.InstanceBase
//	    OrderID       string     `json:"orderId"`
//	    ReminderToken *uuid.UUID `json:"reminderToken,omitempty"`
//	}
//
//	sm := stoat.NewStateMachine[*OrderSaga]("OrderSaga")
//	submitted := sm.State("Submitted")
//
//	orderSubmitted := stoat.NewEvent[OrderSubmitted](sm, "OrderSubmitted",
//	    stoat.CorrelateBy(
//	        func(m OrderSubmitted) string { return m.OrderID },
//	        func(s *OrderSaga) string { return s.OrderID }))
//
//	orderPaid := stoat.NewEvent[OrderPaid](sm, "OrderPaid",
//	    stoat.CorrelateBy(
//	        func(m OrderPaid) string { return m.OrderID },
//	        func(s *OrderSaga) string { return s.OrderID }),
//	    stoat.OnMissingInstance(func(c *stoat.MissingInstanceConfigurator[OrderPaid]) {
//	        c.Fault()
//	    }))
//
//	sm.Initially(
//	    stoat.When(orderSubmitted).
//	        Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, OrderSubmitted]) error {
//	            c.Instance().OrderID = c.Message.OrderID
//	            return nil
//	        }).
//	        RequestTimeout(func(c *stoat.EventContext[*OrderSaga, OrderSubmitted]) interface{} {
//	            return PaymentOverdue{OrderID: c.Message.OrderID}
//	        }, 24*time.Hour).
//	        TransitionTo(submitted))
//
//	sm.During(submitted,
//	    stoat.When(orderPaid).
//	        Publish(func(c *stoat.EventContext[*OrderSaga, OrderPaid]) interface{} {
//	            return OrderAccepted{OrderID: c.Message.OrderID}
//	        }).
//	        Finalize())
//
// Configuration mistakes are collected while the machine is declared and
// returned by NewEngine:
//
//	engine, err := stoat.NewEngine(sm, stoat.WithScheduler(scheduler))
//
// # Receiving Messages
//
// A Dispatcher loads and saves instances through a saga store and runs each
// received envelope through the engines registered for its message type:
//
//	d := stoat.NewDispatcher(
//	    stoat.WithSagaStore(memory.NewSagaStore()),
//	    stoat.WithTransport(transport),
//	    stoat.WithMiddleware(stoat.RecoveryMiddleware()))
//	err := stoat.Register(d, engine, func() *OrderSaga { return &OrderSaga{} })
//
//	err = d.Receive(ctx, stoat.NewEnvelope(OrderSubmitted{OrderID: "o-1"}, nil))
//
// Messages that find no instance and do not start one run the event's
// missing-instance action: discard (the default), fault or execute.
//
// # Scheduling
//
// Schedules send a message later and remember its token on the instance, so
// a newer schedule or an Unschedule supersedes the older one. DeferredScheduler
// uses the transport's delayed delivery; the scheduler/redis package stores
// messages itself and can cancel them.
package stoat

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}

package testutil

import (
	"context"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/google/uuid"
)

// =============================================================================
// Order messages
// =============================================================================

// OrderSubmitted starts an order saga.
type OrderSubmitted struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Total      float64 `json:"total"`
}

// PaymentAccepted is received when the customer was charged.
type PaymentAccepted struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// PaymentTimedOut is the timeout requested when an order is submitted.
type PaymentTimedOut struct {
	OrderID string `json:"orderId"`
}

// PaymentReminder is delivered by the payment reminder schedule.
type PaymentReminder struct {
	OrderID string `json:"orderId"`
}

// OrderShipped is received when the order left the warehouse.
type OrderShipped struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
}

// OrderCancelled cancels an order in any state. It is also published when
// payment times out.
type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// ChargeCustomer is sent to the payment service.
type ChargeCustomer struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
}

// RemindCustomer is sent to the notification service for each reminder.
type RemindCustomer struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Reminder   int    `json:"reminder"`
}

// ShipOrder is sent to the shipping service once paid.
type ShipOrder struct {
	OrderID string `json:"orderId"`
}

// OrderCompleted is published when the order shipped.
type OrderCompleted struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
}

// OrderMessages returns a zero value of every order message type, for
// serializer registration.
func OrderMessages() []interface{} {
	return []interface{}{
		OrderSubmitted{}, PaymentAccepted{}, PaymentTimedOut{}, PaymentReminder{},
		OrderShipped{}, OrderCancelled{}, ChargeCustomer{}, RemindCustomer{},
		ShipOrder{}, OrderCompleted{},
	}
}

// =============================================================================
// Order saga
// =============================================================================

// Destinations and delays used by the order machine.
const (
	PaymentsDestination      = "local:payments"
	NotificationsDestination = "local:notifications"
	ShippingDestination      = "local:shipping"

	PaymentTimeout = 30 * time.Minute
	ReminderDelay  = 10 * time.Minute
)

// OrderSaga is the instance driven by the order machine.
type OrderSaga struct {
	stoat.InstanceBase

	OrderID        string     `json:"orderId"`
	CustomerID     string     `json:"customerId"`
	Total          float64    `json:"total"`
	PaymentID      string     `json:"paymentId,omitempty"`
	TrackingNumber string     `json:"trackingNumber,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`
	Reminders      int        `json:"reminders"`
	ReminderToken  *uuid.UUID `json:"reminderToken,omitempty"`
}

// NewOrderSaga is the instance factory for the order machine.
func NewOrderSaga() *OrderSaga {
	return &OrderSaga{}
}

// OrderMachine exposes the states and events of the order saga.
type OrderMachine struct {
	*stoat.StateMachine[*OrderSaga]

	AwaitingPayment *stoat.State
	Paid            *stoat.State

	Submitted       *stoat.Event[*OrderSaga, OrderSubmitted]
	PaymentAccepted *stoat.Event[*OrderSaga, PaymentAccepted]
	PaymentTimedOut *stoat.Event[*OrderSaga, PaymentTimedOut]
	Shipped         *stoat.Event[*OrderSaga, OrderShipped]
	Cancelled       *stoat.Event[*OrderSaga, OrderCancelled]

	Reminder *stoat.Schedule[*OrderSaga, PaymentReminder]
}

func sagaOrderID(s *OrderSaga) string { return s.OrderID }

// NewOrderMachine declares the order saga:
//
//	Initial --OrderSubmitted--> AwaitingPayment --PaymentAccepted--> Paid --OrderShipped--> Final
//
// Submitting charges the customer, schedules a reminder and requests a
// payment timeout that cancels the order. OrderCancelled finalizes the saga
// in any state.
func NewOrderMachine() *OrderMachine {
	m := &OrderMachine{StateMachine: stoat.NewStateMachine[*OrderSaga]("OrderSaga")}
	m.AwaitingPayment = m.State("AwaitingPayment")
	m.Paid = m.State("Paid")

	m.Submitted = stoat.NewEvent[OrderSubmitted](m.StateMachine, "OrderSubmitted",
		stoat.CorrelateBy(func(msg OrderSubmitted) string { return msg.OrderID }, sagaOrderID))
	m.PaymentAccepted = stoat.NewEvent[PaymentAccepted](m.StateMachine, "PaymentAccepted",
		stoat.CorrelateBy(func(msg PaymentAccepted) string { return msg.OrderID }, sagaOrderID))
	m.PaymentTimedOut = stoat.NewEvent[PaymentTimedOut](m.StateMachine, "PaymentTimedOut",
		stoat.CorrelateBy(func(msg PaymentTimedOut) string { return msg.OrderID }, sagaOrderID))
	m.Shipped = stoat.NewEvent[OrderShipped](m.StateMachine, "OrderShipped",
		stoat.CorrelateBy(func(msg OrderShipped) string { return msg.OrderID }, sagaOrderID))
	m.Cancelled = stoat.NewEvent[OrderCancelled](m.StateMachine, "OrderCancelled",
		stoat.CorrelateBy(func(msg OrderCancelled) string { return msg.OrderID }, sagaOrderID))

	m.Reminder = stoat.NewSchedule[PaymentReminder](m.StateMachine, "PaymentReminder",
		func(s *OrderSaga) *uuid.UUID { return s.ReminderToken },
		func(s *OrderSaga, token *uuid.UUID) { s.ReminderToken = token },
		stoat.WithScheduleDelay(ReminderDelay),
		stoat.WithReceived(stoat.CorrelateBy(func(msg PaymentReminder) string { return msg.OrderID }, sagaOrderID)))

	remind := func(c *stoat.EventContext[*OrderSaga, PaymentReminder]) interface{} {
		return PaymentReminder{OrderID: c.Instance().OrderID}
	}

	m.Initially(
		stoat.When(m.Submitted).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, OrderSubmitted]) error {
				s := c.Instance()
				s.OrderID = c.Message.OrderID
				s.CustomerID = c.Message.CustomerID
				s.Total = c.Message.Total
				return nil
			}).
			Send(func(c *stoat.EventContext[*OrderSaga, OrderSubmitted]) interface{} {
				return ChargeCustomer{OrderID: c.Message.OrderID, CustomerID: c.Message.CustomerID, Amount: c.Message.Total}
			}, stoat.WithDestination(PaymentsDestination)).
			Schedule(m.Reminder, func(c *stoat.EventContext[*OrderSaga, OrderSubmitted]) interface{} {
				return PaymentReminder{OrderID: c.Message.OrderID}
			}).
			RequestTimeout(func(c *stoat.EventContext[*OrderSaga, OrderSubmitted]) interface{} {
				return PaymentTimedOut{OrderID: c.Message.OrderID}
			}, PaymentTimeout).
			TransitionTo(m.AwaitingPayment),
	)

	m.During(m.AwaitingPayment,
		stoat.When(m.Reminder.Received).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, PaymentReminder]) error {
				c.Instance().Reminders++
				return nil
			}).
			Send(func(c *stoat.EventContext[*OrderSaga, PaymentReminder]) interface{} {
				s := c.Instance()
				return RemindCustomer{OrderID: s.OrderID, CustomerID: s.CustomerID, Reminder: s.Reminders}
			}, stoat.WithDestination(NotificationsDestination)).
			Schedule(m.Reminder, remind),
		stoat.When(m.PaymentAccepted).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, PaymentAccepted]) error {
				c.Instance().PaymentID = c.Message.PaymentID
				return nil
			}).
			Unschedule(m.Reminder).
			Send(func(c *stoat.EventContext[*OrderSaga, PaymentAccepted]) interface{} {
				return ShipOrder{OrderID: c.Message.OrderID}
			}, stoat.WithDestination(ShippingDestination)).
			TransitionTo(m.Paid),
		stoat.When(m.PaymentTimedOut).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, PaymentTimedOut]) error {
				c.Instance().CancelReason = "payment timed out"
				return nil
			}).
			Unschedule(m.Reminder).
			Publish(func(c *stoat.EventContext[*OrderSaga, PaymentTimedOut]) interface{} {
				return OrderCancelled{OrderID: c.Message.OrderID, Reason: c.Instance().CancelReason}
			}).
			Finalize(),
		stoat.Ignore(m.Submitted),
	)

	m.During(m.Paid,
		stoat.When(m.Shipped).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, OrderShipped]) error {
				c.Instance().TrackingNumber = c.Message.TrackingNumber
				return nil
			}).
			Publish(func(c *stoat.EventContext[*OrderSaga, OrderShipped]) interface{} {
				return OrderCompleted{OrderID: c.Message.OrderID, TrackingNumber: c.Message.TrackingNumber}
			}).
			Finalize(),
		stoat.Ignore(m.PaymentTimedOut),
	)

	m.DuringAny(
		stoat.When(m.Cancelled).
			Then(func(ctx context.Context, c *stoat.EventContext[*OrderSaga, OrderCancelled]) error {
				c.Instance().CancelReason = c.Message.Reason
				return nil
			}).
			Unschedule(m.Reminder).
			Finalize(),
	)
	return m
}

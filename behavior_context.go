package stoat

import (
	"reflect"
	"time"
)

// BehaviorContext is the state shared by the activities handling one event
// raised against one saga instance.
type BehaviorContext[S Instance] struct {
	instance S
	event    *eventDef[S]
	message  interface{}
	headers  Headers
	payloads map[reflect.Type]interface{}
	engine   *Engine[S]
}

// Instance returns the saga instance.
func (c *BehaviorContext[S]) Instance() S { return c.instance }

// Event returns the event being raised.
func (c *BehaviorContext[S]) Event() EventHandle { return c.event }

// RawMessage returns the inbound message.
func (c *BehaviorContext[S]) RawMessage() interface{} { return c.message }

// Headers returns the inbound headers.
func (c *BehaviorContext[S]) Headers() Headers { return c.headers }

// Machine returns the name of the state machine.
func (c *BehaviorContext[S]) Machine() string { return c.engine.machine.name }

// MessageContext returns the processing context of the inbound message.
func (c *BehaviorContext[S]) MessageContext() (MessageContext, bool) {
	return GetPayload[MessageContext](c)
}

// Logger returns the engine logger.
func (c *BehaviorContext[S]) Logger() Logger {
	if l, ok := GetPayload[Logger](c); ok {
		return l
	}
	return &noopLogger{}
}

// Scheduler returns the configured MessageScheduler.
func (c *BehaviorContext[S]) Scheduler() (MessageScheduler, bool) {
	return GetPayload[MessageScheduler](c)
}

// Now returns the engine clock's current time.
func (c *BehaviorContext[S]) Now() time.Time {
	return c.engine.now()
}

// GetPayload returns the payload of type T stored on the context.
func GetPayload[T any, S Instance](c *BehaviorContext[S]) (T, bool) {
	v, ok := c.payloads[payloadKey[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// AddPayload stores v under its type T, replacing any previous payload of that type.
func AddPayload[T any, S Instance](c *BehaviorContext[S], v T) {
	if c.payloads == nil {
		c.payloads = make(map[reflect.Type]interface{})
	}
	c.payloads[payloadKey[T]()] = v
}

func payloadKey[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// EventContext is a BehaviorContext with the typed inbound message.
type EventContext[S Instance, M any] struct {
	*BehaviorContext[S]
	Message M
}

func eventContextOf[S Instance, M any](bc *BehaviorContext[S]) *EventContext[S, M] {
	m, _ := asMessage[M](bc.message)
	return &EventContext[S, M]{BehaviorContext: bc, Message: m}
}

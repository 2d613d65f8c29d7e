package stoat

import (
	"context"
	"fmt"
)

// EventHandle identifies a declared event without its message type parameter.
type EventHandle interface {
	Name() string
	MessageType() string
}

// eventDef is the untyped definition shared by Event and the engine.
type eventDef[S Instance] struct {
	machine     *StateMachine[S]
	name        string
	messageType string
	correlation *Correlation

	// internal events are raised by the engine only and have no descriptor.
	internal bool

	// accepts reports whether a message can be raised as this event.
	accepts func(msg interface{}) bool

	// route replaces the plain raise, as schedules do for stale tokens.
	route func(ctx context.Context, e *Engine[S], bc *BehaviorContext[S]) error
}

func (d *eventDef[S]) Name() string        { return d.name }
func (d *eventDef[S]) MessageType() string { return d.messageType }

// Event is a declared event carrying messages of type M.
type Event[S Instance, M any] struct {
	def *eventDef[S]
}

// Name returns the event name.
func (e *Event[S, M]) Name() string { return e.def.name }

// MessageType returns the type name of M.
func (e *Event[S, M]) MessageType() string { return e.def.messageType }

// Correlation returns the event's correlation descriptor. Internal events have none.
func (e *Event[S, M]) Correlation() *Correlation { return e.def.correlation }

// String returns the event name.
func (e *Event[S, M]) String() string { return e.def.name }

var _ EventHandle = (*Event[*InstanceBase, struct{}])(nil)

// EventOption configures an event at declaration.
type EventOption func(*eventSettings)

type eventSettings struct {
	messageType string
	corr        correlationBuilder
	onMissing   MissingInstanceAction
	errs        []error
}

func (s *eventSettings) mismatch(option, messageType string) {
	s.errs = append(s.errs, fmt.Errorf("%s: %w: option is for %s, event carries %s",
		option, ErrMessageTypeMismatch, messageType, s.messageType))
}

// CorrelateBy correlates messages by msgFn(message) == sagaFn(instance).
func CorrelateBy[M any, S Instance, K comparable](msgFn func(M) K, sagaFn func(S) K) EventOption {
	return func(s *eventSettings) {
		if mt := messageTypeFor[M](); mt != s.messageType {
			s.mismatch("CorrelateBy", mt)
			return
		}
		if msgFn == nil || sagaFn == nil {
			s.errs = append(s.errs, fmt.Errorf("CorrelateBy: %w: expressions are required", ErrInvalidConfiguration))
			return
		}
		s.corr = correlationBuilder{
			strategy: CorrelationExplicit,
			byProperty: func(msg interface{}) (interface{}, bool) {
				m, ok := asMessage[M](msg)
				if !ok {
					return nil, false
				}
				return msgFn(m), true
			},
			toSaga: func(inst Instance) interface{} {
				saga, ok := inst.(S)
				if !ok {
					return nil
				}
				return sagaFn(saga)
			},
		}
	}
}

// CorrelateByID correlates messages whose idFn(message) is the saga id.
func CorrelateByID[M any](idFn func(M) string) EventOption {
	return func(s *eventSettings) {
		if mt := messageTypeFor[M](); mt != s.messageType {
			s.mismatch("CorrelateByID", mt)
			return
		}
		if idFn == nil {
			s.errs = append(s.errs, fmt.Errorf("CorrelateByID: %w: expression is required", ErrInvalidConfiguration))
			return
		}
		s.corr = correlationBuilder{
			strategy: CorrelationExplicit,
			byProperty: func(msg interface{}) (interface{}, bool) {
				m, ok := asMessage[M](msg)
				if !ok {
					return nil, false
				}
				return idFn(m), true
			},
			toSaga: func(inst Instance) interface{} {
				return inst.SagaID()
			},
		}
	}
}

// CorrelateByProperty correlates by the message field name, matched against
// the instance field of the same name, or the saga id when there is none.
func CorrelateByProperty(name string) EventOption {
	return func(s *eventSettings) {
		s.corr = correlationBuilder{strategy: CorrelationExplicit, property: name}
	}
}

// CorrelateByHeader correlates by the inbound header key against sagaFn(instance).
func CorrelateByHeader[S Instance](key string, sagaFn func(S) string) EventOption {
	return func(s *eventSettings) {
		if key == "" || sagaFn == nil {
			s.errs = append(s.errs, fmt.Errorf("CorrelateByHeader: %w: key and expression are required", ErrInvalidConfiguration))
			return
		}
		s.corr = correlationBuilder{
			strategy: CorrelationHeader,
			header:   key,
			toSaga: func(inst Instance) interface{} {
				saga, ok := inst.(S)
				if !ok {
					return nil
				}
				return sagaFn(saga)
			},
		}
	}
}

// OnMissingInstance configures what happens when a message correlates to no instance.
func OnMissingInstance[M any](configure func(*MissingInstanceConfigurator[M])) EventOption {
	return func(s *eventSettings) {
		if mt := messageTypeFor[M](); mt != s.messageType {
			s.mismatch("OnMissingInstance", mt)
			return
		}
		if configure == nil {
			return
		}
		var c MissingInstanceConfigurator[M]
		configure(&c)
		s.onMissing = c.Build()
	}
}

// NewEvent declares an event on sm carrying messages of type M and freezes
// its correlation descriptor.
func NewEvent[M any, S Instance](sm *StateMachine[S], name string, opts ...EventOption) *Event[S, M] {
	settings := eventSettings{messageType: messageTypeFor[M]()}
	for _, opt := range opts {
		opt(&settings)
	}

	def := newEventDef[M, S](sm, name)
	for _, err := range settings.errs {
		sm.fail("event "+name, err)
	}

	corr, err := buildCorrelation[S, M](name, sm.defaultProperty, settings.corr, settings.onMissing)
	if err != nil {
		sm.fail("event "+name, err)
		corr = &Correlation{event: name, messageType: def.messageType, strategy: CorrelationNone, onMissing: settings.onMissing}
	}
	def.correlation = corr

	sm.addEvent(def)
	return &Event[S, M]{def: def}
}

// newInternalEvent declares an event raised only by the engine itself.
func newInternalEvent[M any, S Instance](sm *StateMachine[S], name string) *Event[S, M] {
	def := newEventDef[M, S](sm, name)
	def.internal = true
	sm.addEvent(def)
	return &Event[S, M]{def: def}
}

func newEventDef[M any, S Instance](sm *StateMachine[S], name string) *eventDef[S] {
	return &eventDef[S]{
		machine:     sm,
		name:        name,
		messageType: messageTypeFor[M](),
		accepts: func(msg interface{}) bool {
			_, ok := asMessage[M](msg)
			return ok
		},
	}
}

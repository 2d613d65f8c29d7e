package stoat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ScheduleRef is the view of a schedule used by the schedule activities.
type ScheduleRef[S Instance] interface {
	Name() string
	TokenID(inst S) *uuid.UUID
	SetTokenID(inst S, token *uuid.UUID)
	Delay(bc *BehaviorContext[S]) time.Duration
}

// Schedule is a named, re-schedulable timer delivering messages of type M
// to an instance. The instance stores the pending token through get and set.
type Schedule[S Instance, M any] struct {
	name    string
	get     func(S) *uuid.UUID
	set     func(S, *uuid.UUID)
	delay   time.Duration
	delayFn func(bc *BehaviorContext[S]) time.Duration

	// Received is raised when the pending token is delivered.
	Received *Event[S, M]

	// AnyReceived is raised for every delivery, stale or not.
	AnyReceived *Event[S, M]
}

var _ ScheduleRef[*InstanceBase] = (*Schedule[*InstanceBase, struct{}])(nil)

// ScheduleOption configures a Schedule.
type ScheduleOption func(*scheduleSettings)

type scheduleSettings struct {
	delay     time.Duration
	delayFn   interface{}
	eventOpts []EventOption
}

// WithScheduleDelay sets the delay used by Schedule activities.
func WithScheduleDelay(d time.Duration) ScheduleOption {
	return func(s *scheduleSettings) {
		s.delay = d
	}
}

// WithScheduleDelayFunc computes the delay per activity execution.
func WithScheduleDelayFunc[S Instance](fn func(bc *BehaviorContext[S]) time.Duration) ScheduleOption {
	return func(s *scheduleSettings) {
		s.delayFn = fn
	}
}

// WithReceived passes options to the Received event, such as its correlation.
func WithReceived(opts ...EventOption) ScheduleOption {
	return func(s *scheduleSettings) {
		s.eventOpts = append(s.eventOpts, opts...)
	}
}

// NewSchedule declares a schedule on sm. Received is registered for M and
// correlated like any other event.
func NewSchedule[M any, S Instance](sm *StateMachine[S], name string, get func(S) *uuid.UUID, set func(S, *uuid.UUID), opts ...ScheduleOption) *Schedule[S, M] {
	settings := scheduleSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	sch := &Schedule[S, M]{
		name:  name,
		get:   get,
		set:   set,
		delay: settings.delay,
	}
	if get == nil || set == nil {
		sm.fail("schedule "+name, errors.New("token accessor and mutator are required"))
	}
	if settings.delayFn != nil {
		fn, ok := settings.delayFn.(func(bc *BehaviorContext[S]) time.Duration)
		if !ok {
			sm.fail("schedule "+name, errors.New("delay function is for another saga type"))
		} else {
			sch.delayFn = fn
		}
	}

	sch.Received = NewEvent[M](sm, name+".Received", settings.eventOpts...)
	sch.AnyReceived = newInternalEvent[M](sm, name+".AnyReceived")
	sch.Received.def.route = sch.deliver
	return sch
}

// Name returns the schedule name.
func (s *Schedule[S, M]) Name() string { return s.name }

// TokenID returns the pending token stored on inst, or nil.
func (s *Schedule[S, M]) TokenID(inst S) *uuid.UUID {
	if s.get == nil {
		return nil
	}
	return s.get(inst)
}

// SetTokenID stores token on inst. A nil token clears it.
func (s *Schedule[S, M]) SetTokenID(inst S, token *uuid.UUID) {
	if s.set != nil {
		s.set(inst, token)
	}
}

// Delay returns the delay for the current execution.
func (s *Schedule[S, M]) Delay(bc *BehaviorContext[S]) time.Duration {
	if s.delayFn != nil {
		return s.delayFn(bc)
	}
	return s.delay
}

// deliver raises AnyReceived, drops superseded deliveries and raises
// Received for the pending token.
func (s *Schedule[S, M]) deliver(ctx context.Context, e *Engine[S], bc *BehaviorContext[S]) error {
	if err := e.raise(ctx, bc, s.AnyReceived.def, true); err != nil {
		return err
	}

	inst := bc.Instance()
	stored := s.TokenID(inst)
	if inbound, ok := inboundToken(bc.Headers()); ok && (stored == nil || *stored != inbound) {
		bc.Logger().Debug("Discarding superseded scheduled message",
			"sagaType", bc.Machine(),
			"sagaID", inst.SagaID(),
			"schedule", s.name,
			"token", inbound.String())
		return nil
	}

	s.SetTokenID(inst, nil)
	return e.raise(ctx, bc, s.Received.def, false)
}

package stoat

import (
	"context"
	"time"
)

// EventBinding is a configured reaction to one event, passed to
// Initially, During or DuringAny.
type EventBinding[S Instance] interface {
	binding() *bindingDef[S]
}

type bindingDef[S Instance] struct {
	event       *eventDef[S]
	activities  []Activity[S]
	transitions []*State
	ignore      bool
	errs        []error
}

// EventBinder builds the activity pipeline run when an event is raised.
// Activities run in the order they are added.
type EventBinder[S Instance, M any] struct {
	def bindingDef[S]
}

// When starts a binding for ev.
func When[S Instance, M any](ev *Event[S, M]) *EventBinder[S, M] {
	b := &EventBinder[S, M]{}
	if ev != nil {
		b.def.event = ev.def
	}
	return b
}

// Ignore declares that ev is accepted and dropped in the enclosing states.
func Ignore[S Instance, M any](ev *Event[S, M]) EventBinding[S] {
	b := When(ev)
	b.def.ignore = true
	return b
}

func (b *EventBinder[S, M]) binding() *bindingDef[S] { return &b.def }

func (b *EventBinder[S, M]) add(a Activity[S], err error) *EventBinder[S, M] {
	if err != nil {
		b.def.errs = append(b.def.errs, err)
		return b
	}
	if t, ok := a.(*TransitionActivity[S]); ok {
		b.def.transitions = append(b.def.transitions, t.Target())
	}
	b.def.activities = append(b.def.activities, a)
	return b
}

// Add appends a custom activity.
func (b *EventBinder[S, M]) Add(a Activity[S]) *EventBinder[S, M] {
	if a == nil {
		return b.add(nil, &ArgumentError{Activity: "add", Argument: "activity", Err: ErrInvalidConfiguration})
	}
	return b.add(a, nil)
}

// Then runs fn with the typed event context.
func (b *EventBinder[S, M]) Then(fn func(ctx context.Context, c *EventContext[S, M]) error) *EventBinder[S, M] {
	if fn == nil {
		return b.add(NewThenActivity[S](nil))
	}
	return b.add(NewThenActivity(func(ctx context.Context, bc *BehaviorContext[S]) error {
		return fn(ctx, eventContextOf[S, M](bc))
	}))
}

// TransitionTo moves the instance to state.
func (b *EventBinder[S, M]) TransitionTo(state *State) *EventBinder[S, M] {
	return b.add(NewTransitionActivity[S](state))
}

// Finalize moves the instance to the machine's Final state.
func (b *EventBinder[S, M]) Finalize() *EventBinder[S, M] {
	if b.def.event == nil {
		return b.add(NewTransitionActivity[S](nil))
	}
	return b.TransitionTo(b.def.event.machine.Final())
}

// Send sends the factory's message.
func (b *EventBinder[S, M]) Send(factory func(c *EventContext[S, M]) interface{}, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewSendActivity(typedFactory(factory), opts...))
}

// SendAsync sends the async factory's message.
func (b *EventBinder[S, M]) SendAsync(factory func(ctx context.Context, c *EventContext[S, M]) (interface{}, error), opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewSendActivityAsync(typedAsyncFactory(factory), opts...))
}

// Publish publishes the factory's message.
func (b *EventBinder[S, M]) Publish(factory func(c *EventContext[S, M]) interface{}, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewPublishActivity(typedFactory(factory), opts...))
}

// PublishAsync publishes the async factory's message.
func (b *EventBinder[S, M]) PublishAsync(factory func(ctx context.Context, c *EventContext[S, M]) (interface{}, error), opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewPublishActivityAsync(typedAsyncFactory(factory), opts...))
}

// Reply replies to the inbound message with the factory's message.
func (b *EventBinder[S, M]) Reply(factory func(c *EventContext[S, M]) interface{}, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewReplyActivity(typedFactory(factory), opts...))
}

// ReplyAsync replies with the async factory's message.
func (b *EventBinder[S, M]) ReplyAsync(factory func(ctx context.Context, c *EventContext[S, M]) (interface{}, error), opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewReplyActivityAsync(typedAsyncFactory(factory), opts...))
}

// RequestTimeout sends the factory's message back to this endpoint after delay.
func (b *EventBinder[S, M]) RequestTimeout(factory func(c *EventContext[S, M]) interface{}, delay time.Duration, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewRequestTimeoutActivity(typedFactory(factory), delay, opts...))
}

// RequestTimeoutAsync is RequestTimeout with an async factory.
func (b *EventBinder[S, M]) RequestTimeoutAsync(factory func(ctx context.Context, c *EventContext[S, M]) (interface{}, error), delay time.Duration, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewRequestTimeoutActivityAsync(typedAsyncFactory(factory), delay, opts...))
}

// RequestTimeoutAt sends the factory's message back to this endpoint no earlier than at.
func (b *EventBinder[S, M]) RequestTimeoutAt(factory func(c *EventContext[S, M]) interface{}, at time.Time, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewRequestTimeoutAtActivity(typedFactory(factory), at, opts...))
}

// Schedule schedules the factory's message on sch, replacing any pending token.
func (b *EventBinder[S, M]) Schedule(sch ScheduleRef[S], factory func(c *EventContext[S, M]) interface{}, opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewScheduleActivity(sch, typedFactory(factory), opts...))
}

// ScheduleAsync is Schedule with an async factory.
func (b *EventBinder[S, M]) ScheduleAsync(sch ScheduleRef[S], factory func(ctx context.Context, c *EventContext[S, M]) (interface{}, error), opts ...SendOption) *EventBinder[S, M] {
	return b.add(NewScheduleActivityAsync(sch, typedAsyncFactory(factory), opts...))
}

// Unschedule cancels the pending token of sch.
func (b *EventBinder[S, M]) Unschedule(sch ScheduleRef[S]) *EventBinder[S, M] {
	return b.add(NewUnscheduleActivity(sch))
}

func typedFactory[S Instance, M any](f func(c *EventContext[S, M]) interface{}) MessageFactory[S] {
	if f == nil {
		return nil
	}
	return func(bc *BehaviorContext[S]) interface{} {
		return f(eventContextOf[S, M](bc))
	}
}

func typedAsyncFactory[S Instance, M any](f func(ctx context.Context, c *EventContext[S, M]) (interface{}, error)) AsyncMessageFactory[S] {
	if f == nil {
		return nil
	}
	return func(ctx context.Context, bc *BehaviorContext[S]) (interface{}, error) {
		return f(ctx, eventContextOf[S, M](bc))
	}
}

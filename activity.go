package stoat

import (
	"context"
	"errors"
)

// Behavior is the remainder of an activity pipeline.
type Behavior[S Instance] interface {
	Execute(ctx context.Context, bc *BehaviorContext[S]) error
	Faulted(ctx context.Context, bc *BehaviorContext[S], err error) error
}

// Activity is one unit of work bound to an event. Execute does its work and
// then calls next; Faulted runs when a later step of the pipeline failed.
type Activity[S Instance] interface {
	Probe(p *ProbeContext)
	Accept(v Visitor)
	Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error
	Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error
}

// MessageFactory builds an outgoing message from the behavior context.
type MessageFactory[S Instance] func(bc *BehaviorContext[S]) interface{}

// AsyncMessageFactory builds an outgoing message and may fail.
type AsyncMessageFactory[S Instance] func(ctx context.Context, bc *BehaviorContext[S]) (interface{}, error)

// messageSource holds exactly one of a sync or async factory.
type messageSource[S Instance] struct {
	sync  MessageFactory[S]
	async AsyncMessageFactory[S]
}

func newSyncSource[S Instance](activity string, f MessageFactory[S]) (messageSource[S], error) {
	if f == nil {
		return messageSource[S]{}, &ArgumentError{Activity: activity, Argument: "messageFactory", Err: ErrNilMessageFactory}
	}
	return messageSource[S]{sync: f}, nil
}

func newAsyncSource[S Instance](activity string, f AsyncMessageFactory[S]) (messageSource[S], error) {
	if f == nil {
		return messageSource[S]{}, &ArgumentError{Activity: activity, Argument: "messageFactory", Err: ErrNilMessageFactory}
	}
	return messageSource[S]{async: f}, nil
}

func (s messageSource[S]) produce(ctx context.Context, bc *BehaviorContext[S]) (interface{}, error) {
	var (
		msg interface{}
		err error
	)
	if s.async != nil {
		msg, err = s.async(ctx, bc)
	} else {
		msg = s.sync(bc)
	}
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNilMessage
	}
	return msg, nil
}

func (s messageSource[S]) mode() string {
	if s.async != nil {
		return "async"
	}
	return "sync"
}

// activityBehavior runs one activity with the rest of the pipeline as next.
type activityBehavior[S Instance] struct {
	activity Activity[S]
	next     Behavior[S]
}

// faultedError marks an error whose faulted chain already ran.
type faultedError struct {
	err error
}

func (e *faultedError) Error() string { return e.err.Error() }
func (e *faultedError) Unwrap() error { return e.err }

func (b *activityBehavior[S]) Execute(ctx context.Context, bc *BehaviorContext[S]) error {
	err := b.activity.Execute(ctx, bc, b.next)
	if err == nil {
		return nil
	}
	var handled *faultedError
	if errors.As(err, &handled) {
		return err
	}
	if ferr := b.activity.Faulted(ctx, bc, err, b.next); ferr != nil {
		return &faultedError{err: ferr}
	}
	return nil
}

func (b *activityBehavior[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error) error {
	return b.activity.Faulted(ctx, bc, err, b.next)
}

// lastBehavior ends every pipeline.
type lastBehavior[S Instance] struct{}

func (lastBehavior[S]) Execute(context.Context, *BehaviorContext[S]) error { return nil }

func (lastBehavior[S]) Faulted(_ context.Context, _ *BehaviorContext[S], err error) error {
	return err
}

// buildBehavior chains activities in order.
func buildBehavior[S Instance](activities []Activity[S]) Behavior[S] {
	var b Behavior[S] = lastBehavior[S]{}
	for i := len(activities) - 1; i >= 0; i-- {
		b = &activityBehavior[S]{activity: activities[i], next: b}
	}
	return b
}

// runBehavior executes b and returns the original error of a faulted pipeline.
func runBehavior[S Instance](ctx context.Context, b Behavior[S], bc *BehaviorContext[S]) error {
	err := b.Execute(ctx, bc)
	var handled *faultedError
	if errors.As(err, &handled) {
		return handled.err
	}
	return err
}

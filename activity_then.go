package stoat

import (
	"context"
	"fmt"
)

// ThenActivity runs user code.
type ThenActivity[S Instance] struct {
	name string
	fn   func(ctx context.Context, bc *BehaviorContext[S]) error
}

// NewThenActivity creates an activity running fn.
func NewThenActivity[S Instance](fn func(ctx context.Context, bc *BehaviorContext[S]) error) (*ThenActivity[S], error) {
	if fn == nil {
		return nil, &ArgumentError{Activity: "then", Argument: "action", Err: ErrInvalidConfiguration}
	}
	return &ThenActivity[S]{name: "then", fn: fn}, nil
}

func (a *ThenActivity[S]) Probe(p *ProbeContext) { p.Add(a.name) }
func (a *ThenActivity[S]) Accept(v Visitor)      { v.Visit(a) }

func (a *ThenActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	if err := a.fn(ctx, bc); err != nil {
		return err
	}
	return next.Execute(ctx, bc)
}

func (a *ThenActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}

// TransitionActivity moves the instance to another state.
type TransitionActivity[S Instance] struct {
	to *State
}

// NewTransitionActivity creates an activity moving the instance to state to.
func NewTransitionActivity[S Instance](to *State) (*TransitionActivity[S], error) {
	if to == nil {
		return nil, &ArgumentError{Activity: "transition", Argument: "state", Err: ErrInvalidConfiguration}
	}
	return &TransitionActivity[S]{to: to}, nil
}

// Target returns the destination state.
func (a *TransitionActivity[S]) Target() *State { return a.to }

func (a *TransitionActivity[S]) Probe(p *ProbeContext) {
	p.Add("transition", "toState", a.to.Name())
}

func (a *TransitionActivity[S]) Accept(v Visitor) { v.Visit(a) }

func (a *TransitionActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	if err := bc.engine.transition(ctx, bc, a.to); err != nil {
		return fmt.Errorf("stoat: %s: transition to %s: %w", bc.Machine(), a.to.Name(), err)
	}
	return next.Execute(ctx, bc)
}

func (a *TransitionActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}

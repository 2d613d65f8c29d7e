package stoat

import (
	"context"

	"github.com/google/uuid"
)

// ScheduleActivity schedules a message on a schedule and stores its token on
// the instance, cancelling the token it replaces.
type ScheduleActivity[S Instance] struct {
	schedule ScheduleRef[S]
	source   messageSource[S]
	opts     []SendOption
}

// NewScheduleActivity creates a schedule activity with a sync factory.
func NewScheduleActivity[S Instance](schedule ScheduleRef[S], factory MessageFactory[S], opts ...SendOption) (*ScheduleActivity[S], error) {
	if schedule == nil {
		return nil, &ArgumentError{Activity: "schedule", Argument: "schedule", Err: ErrInvalidConfiguration}
	}
	source, err := newSyncSource("schedule", factory)
	if err != nil {
		return nil, err
	}
	return &ScheduleActivity[S]{schedule: schedule, source: source, opts: opts}, nil
}

// NewScheduleActivityAsync creates a schedule activity with an async factory.
func NewScheduleActivityAsync[S Instance](schedule ScheduleRef[S], factory AsyncMessageFactory[S], opts ...SendOption) (*ScheduleActivity[S], error) {
	if schedule == nil {
		return nil, &ArgumentError{Activity: "schedule", Argument: "schedule", Err: ErrInvalidConfiguration}
	}
	source, err := newAsyncSource("schedule", factory)
	if err != nil {
		return nil, err
	}
	return &ScheduleActivity[S]{schedule: schedule, source: source, opts: opts}, nil
}

func (a *ScheduleActivity[S]) Probe(p *ProbeContext) {
	p.Add("schedule", "schedule", a.schedule.Name(), "factory", a.source.mode())
}

func (a *ScheduleActivity[S]) Accept(v Visitor) { v.Visit(a) }

func (a *ScheduleActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	scheduler, ok := bc.Scheduler()
	if !ok {
		return ErrSchedulerNotConfigured
	}

	msg, err := a.source.produce(ctx, bc)
	if err != nil {
		return err
	}

	inst := bc.Instance()
	at := bc.Now().Add(a.schedule.Delay(bc))
	opts := make([]SendOption, 0, len(a.opts)+2)
	opts = append(opts, a.opts...)
	opts = append(opts,
		WithHeader(HeaderSagaID, inst.SagaID()),
		WithHeader(HeaderSagaType, bc.Machine()),
	)

	scheduled, err := scheduler.ScheduleSend(ctx, at, msg, opts...)
	if err != nil {
		return err
	}

	previous := a.schedule.TokenID(inst)
	token := scheduled.TokenID
	a.schedule.SetTokenID(inst, &token)

	if previous != nil && *previous != token {
		if err := scheduler.CancelScheduledSend(ctx, *previous); err != nil {
			return err
		}
	}
	return next.Execute(ctx, bc)
}

func (a *ScheduleActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}

// UnscheduleActivity cancels the pending token of a schedule unless the
// inbound message is the delivery of that very token.
type UnscheduleActivity[S Instance] struct {
	schedule ScheduleRef[S]
}

// NewUnscheduleActivity creates an unschedule activity.
func NewUnscheduleActivity[S Instance](schedule ScheduleRef[S]) (*UnscheduleActivity[S], error) {
	if schedule == nil {
		return nil, &ArgumentError{Activity: "unschedule", Argument: "schedule", Err: ErrInvalidConfiguration}
	}
	return &UnscheduleActivity[S]{schedule: schedule}, nil
}

func (a *UnscheduleActivity[S]) Probe(p *ProbeContext) {
	p.Add("unschedule", "schedule", a.schedule.Name())
}

func (a *UnscheduleActivity[S]) Accept(v Visitor) { v.Visit(a) }

func (a *UnscheduleActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	inst := bc.Instance()
	previous := a.schedule.TokenID(inst)
	if previous == nil {
		return next.Execute(ctx, bc)
	}

	if inbound, ok := inboundToken(bc.Headers()); ok && inbound == *previous {
		return next.Execute(ctx, bc)
	}

	scheduler, ok := bc.Scheduler()
	if !ok {
		return ErrSchedulerNotConfigured
	}
	if err := scheduler.CancelScheduledSend(ctx, *previous); err != nil {
		return err
	}
	a.schedule.SetTokenID(inst, nil)
	return next.Execute(ctx, bc)
}

func (a *UnscheduleActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}

// inboundToken reads the scheduling token header. Unparseable tokens count as absent.
func inboundToken(h Headers) (uuid.UUID, bool) {
	raw, ok := h.Lookup(HeaderSchedulingTokenID)
	if !ok || raw == "" {
		return uuid.Nil, false
	}
	token, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return token, true
}

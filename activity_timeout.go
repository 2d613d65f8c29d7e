package stoat

import (
	"context"
	"time"
)

// RequestTimeoutActivity sends a message back to this endpoint with deferred
// delivery, addressed to the current saga instance.
type RequestTimeoutActivity[S Instance] struct {
	source   messageSource[S]
	delay    time.Duration
	at       time.Time
	absolute bool
	opts     []SendOption
}

// NewRequestTimeoutActivity creates a timeout delivered after delay.
func NewRequestTimeoutActivity[S Instance](factory MessageFactory[S], delay time.Duration, opts ...SendOption) (*RequestTimeoutActivity[S], error) {
	source, err := newSyncSource("requestTimeout", factory)
	if err != nil {
		return nil, err
	}
	return &RequestTimeoutActivity[S]{source: source, delay: delay, opts: opts}, nil
}

// NewRequestTimeoutActivityAsync creates a timeout built by an async factory.
func NewRequestTimeoutActivityAsync[S Instance](factory AsyncMessageFactory[S], delay time.Duration, opts ...SendOption) (*RequestTimeoutActivity[S], error) {
	source, err := newAsyncSource("requestTimeout", factory)
	if err != nil {
		return nil, err
	}
	return &RequestTimeoutActivity[S]{source: source, delay: delay, opts: opts}, nil
}

// NewRequestTimeoutAtActivity creates a timeout delivered no earlier than at.
// The time must carry a definite location: zero times and times in
// time.Local are rejected with ErrAmbiguousTimeZone.
func NewRequestTimeoutAtActivity[S Instance](factory MessageFactory[S], at time.Time, opts ...SendOption) (*RequestTimeoutActivity[S], error) {
	source, err := newSyncSource("requestTimeout", factory)
	if err != nil {
		return nil, err
	}
	if err := checkDeliveryTime(at); err != nil {
		return nil, err
	}
	return &RequestTimeoutActivity[S]{source: source, at: at, absolute: true, opts: opts}, nil
}

// NewRequestTimeoutAtActivityAsync is NewRequestTimeoutAtActivity with an async factory.
func NewRequestTimeoutAtActivityAsync[S Instance](factory AsyncMessageFactory[S], at time.Time, opts ...SendOption) (*RequestTimeoutActivity[S], error) {
	source, err := newAsyncSource("requestTimeout", factory)
	if err != nil {
		return nil, err
	}
	if err := checkDeliveryTime(at); err != nil {
		return nil, err
	}
	return &RequestTimeoutActivity[S]{source: source, at: at, absolute: true, opts: opts}, nil
}

func checkDeliveryTime(at time.Time) error {
	if at.IsZero() || at.Location() == time.Local {
		return NewConfigurationError("requestTimeout", ErrAmbiguousTimeZone)
	}
	return nil
}

func (a *RequestTimeoutActivity[S]) Probe(p *ProbeContext) {
	if a.absolute {
		p.Add("requestTimeout", "factory", a.source.mode(), "at", a.at.Format(time.RFC3339))
		return
	}
	p.Add("requestTimeout", "factory", a.source.mode(), "delay", a.delay.String())
}

func (a *RequestTimeoutActivity[S]) Accept(v Visitor) { v.Visit(a) }

func (a *RequestTimeoutActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	mc, ok := bc.MessageContext()
	if !ok {
		return ErrNoMessageContext
	}

	msg, err := a.source.produce(ctx, bc)
	if err != nil {
		return err
	}

	opts := BuildOptions(a.opts...)
	opts.SetHeader(HeaderSagaID, bc.Instance().SagaID())
	opts.SetHeader(HeaderIsSagaTimeout, "true")
	opts.SetHeader(HeaderSagaType, bc.Machine())
	opts.RouteToThisEndpoint()
	if a.absolute {
		opts.DoNotDeliverBefore(a.at)
	} else {
		opts.DelayDeliveryWith(a.delay)
	}

	if err := mc.Send(ctx, msg, opts); err != nil {
		return err
	}
	return next.Execute(ctx, bc)
}

func (a *RequestTimeoutActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}

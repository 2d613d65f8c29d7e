package stoat

import (
	"context"
)

// incomingContext is the MessageContext of one received envelope.
type incomingContext struct {
	transport  Transport
	env        *Envelope
	errorQueue string
}

var _ MessageContext = (*incomingContext)(nil)

// NewMessageContext returns the MessageContext of env, sending through transport.
func NewMessageContext(transport Transport, env *Envelope, errorQueue string) MessageContext {
	return &incomingContext{transport: transport, env: env, errorQueue: errorQueue}
}

func (c *incomingContext) Send(ctx context.Context, msg interface{}, opts *Options) error {
	if c.transport == nil {
		return ErrTransportNotConfigured
	}
	return c.transport.Send(ctx, msg, c.outgoing(opts))
}

func (c *incomingContext) Publish(ctx context.Context, msg interface{}, opts *Options) error {
	if c.transport == nil {
		return ErrTransportNotConfigured
	}
	return c.transport.Publish(ctx, msg, c.outgoing(opts))
}

// Reply sends msg to the inbound reply address, correlated to the inbound message id.
func (c *incomingContext) Reply(ctx context.Context, msg interface{}, opts *Options) error {
	replyTo := c.ReplyToAddress()
	if replyTo == "" {
		return ErrNoReplyAddress
	}
	o := c.outgoing(opts)
	o.SetDestination(replyTo)
	if o.Header(HeaderCorrelationID) == "" && c.env.ID != "" {
		o.SetHeader(HeaderCorrelationID, c.env.ID)
	}
	// Replies to a saga's request are routed back to that saga.
	if id := c.env.Headers.Get(HeaderOriginatingSagaID); id != "" && o.Header(HeaderSagaID) == "" {
		o.SetHeader(HeaderSagaID, id)
		o.SetHeader(HeaderSagaType, c.env.Headers.Get(HeaderOriginatingSagaType))
	}
	return c.Send(ctx, msg, o)
}

func (c *incomingContext) MessageID() string       { return c.env.ID }
func (c *incomingContext) MessageHeaders() Headers { return c.env.Headers }
func (c *incomingContext) ErrorQueue() string      { return c.errorQueue }

func (c *incomingContext) ReplyToAddress() string {
	return c.env.Headers.Get(HeaderReplyToAddress)
}

// ForwardCurrentMessageTo re-sends the inbound envelope unchanged.
func (c *incomingContext) ForwardCurrentMessageTo(ctx context.Context, destination string) error {
	f, ok := c.transport.(Forwarder)
	if !ok {
		return ErrForwardNotSupported
	}
	return f.Forward(ctx, c.env, destination)
}

// outgoing copies opts and links the message to the one being handled.
func (c *incomingContext) outgoing(opts *Options) *Options {
	o := NewOptions()
	if opts != nil {
		cp := *opts
		cp.headers = opts.Headers()
		o = &cp
	}
	if o.Header(HeaderCorrelationID) == "" {
		if id := c.env.Headers.Get(HeaderCorrelationID); id != "" {
			o.SetHeader(HeaderCorrelationID, id)
		}
	}
	return o
}

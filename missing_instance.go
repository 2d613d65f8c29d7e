package stoat

import (
	"context"
	"fmt"
)

// MissingInstanceConfigurator chooses what happens when a message of type M
// correlates to no saga instance. Only the last configured action is kept.
type MissingInstanceConfigurator[M any] struct {
	action MissingInstanceAction
}

// Discard drops the message.
func (c *MissingInstanceConfigurator[M]) Discard() {
	c.action = func(context.Context, interface{}, MessageContext) error {
		return nil
	}
}

// Fault forwards the message once to the endpoint's error queue. Handling
// fails with ErrDeadQueueNotSetup when the endpoint has no error queue.
func (c *MissingInstanceConfigurator[M]) Fault() {
	c.action = func(ctx context.Context, _ interface{}, mc MessageContext) error {
		queue := mc.ErrorQueue()
		if queue == "" {
			return ErrDeadQueueNotSetup
		}
		return mc.ForwardCurrentMessageTo(ctx, queue)
	}
}

// Execute runs fn with the unmatched message.
func (c *MissingInstanceConfigurator[M]) Execute(fn func(msg M, mc MessageContext)) {
	if fn == nil {
		c.action = nil
		return
	}
	c.action = func(_ context.Context, msg interface{}, mc MessageContext) error {
		m, ok := asMessage[M](msg)
		if !ok {
			return fmt.Errorf("%w: got %s", ErrMessageTypeMismatch, MessageTypeOf(msg))
		}
		fn(m, mc)
		return nil
	}
}

// ExecuteAsync runs fn with the unmatched message and returns its error.
func (c *MissingInstanceConfigurator[M]) ExecuteAsync(fn func(ctx context.Context, msg M, mc MessageContext) error) {
	if fn == nil {
		c.action = nil
		return
	}
	c.action = func(ctx context.Context, msg interface{}, mc MessageContext) error {
		m, ok := asMessage[M](msg)
		if !ok {
			return fmt.Errorf("%w: got %s", ErrMessageTypeMismatch, MessageTypeOf(msg))
		}
		return fn(ctx, m, mc)
	}
}

// Build returns the configured action, or nil when none was configured.
func (c *MissingInstanceConfigurator[M]) Build() MissingInstanceAction {
	return c.action
}

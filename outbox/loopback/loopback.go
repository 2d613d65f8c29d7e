// Package loopback delivers outbox messages addressed to in-process
// endpoints ("local:<endpoint>") back to their receivers.
package loopback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Receiver processes one delivered envelope. *stoat.Dispatcher implements it.
type Receiver interface {
	Receive(ctx context.Context, env *stoat.Envelope) error
}

// Publisher hands outbox messages to the receiver registered for their endpoint.
type Publisher struct {
	mu        sync.RWMutex
	receivers map[string]Receiver
	logger    stoat.Logger
}

// Option configures a loopback Publisher.
type Option func(*Publisher)

// WithEndpoint registers receiver for the named endpoint.
func WithEndpoint(name string, receiver Receiver) Option {
	return func(p *Publisher) {
		p.receivers[name] = receiver
	}
}

// WithLogger sets the logger.
func WithLogger(l stoat.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// New creates a loopback Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		receivers: make(map[string]Receiver),
		logger:    stoat.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds or replaces the receiver of an endpoint.
func (p *Publisher) Register(name string, receiver Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivers[name] = receiver
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return stoat.LocalPrefix
}

// Publish delivers messages in order and stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	for _, msg := range messages {
		endpoint := extractEndpoint(msg.Destination)
		if endpoint == "" {
			return fmt.Errorf("loopback: invalid destination %q: missing endpoint", msg.Destination)
		}

		p.mu.RLock()
		receiver, ok := p.receivers[endpoint]
		p.mu.RUnlock()
		if !ok {
			return fmt.Errorf("loopback: no receiver for endpoint %q", endpoint)
		}

		env := stoat.EnvelopeFromOutbox(msg)
		p.logger.Debug("Delivering local message",
			"endpoint", endpoint,
			"messageType", env.MessageType,
			"messageID", env.ID)
		if err := receiver.Receive(ctx, env); err != nil {
			return fmt.Errorf("loopback: %s failed on %s: %w", endpoint, env.MessageType, err)
		}
	}
	return nil
}

func extractEndpoint(destination string) string {
	const prefix = stoat.LocalPrefix + ":"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}

var _ stoat.Publisher = (*Publisher)(nil)

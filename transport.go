package stoat

import (
	"context"
	"time"
)

// Options carries the per-message settings handed to a Transport.
type Options struct {
	headers     Headers
	destination string
	routeToSelf bool
	delay       time.Duration
	deliverAt   time.Time
}

// NewOptions returns empty Options.
func NewOptions() *Options {
	return &Options{headers: Headers{}}
}

// SetHeader sets an outgoing header.
func (o *Options) SetHeader(key, value string) {
	if o.headers == nil {
		o.headers = Headers{}
	}
	o.headers[key] = value
}

// DelayDeliveryWith defers delivery by d. It replaces any DoNotDeliverBefore.
func (o *Options) DelayDeliveryWith(d time.Duration) {
	o.delay = d
	o.deliverAt = time.Time{}
}

// DoNotDeliverBefore defers delivery until at. It replaces any DelayDeliveryWith.
func (o *Options) DoNotDeliverBefore(at time.Time) {
	o.deliverAt = at
	o.delay = 0
}

// RouteToThisEndpoint sends the message to the sending endpoint itself.
func (o *Options) RouteToThisEndpoint() {
	o.routeToSelf = true
	o.destination = ""
}

// SetDestination sends the message to an explicit destination.
func (o *Options) SetDestination(destination string) {
	o.destination = destination
	o.routeToSelf = false
}

// Headers returns a copy of the outgoing headers.
func (o *Options) Headers() Headers {
	return o.headers.Clone()
}

// Header returns one outgoing header.
func (o *Options) Header(key string) string {
	return o.headers.Get(key)
}

// Destination returns the explicit destination, if any.
func (o *Options) Destination() string {
	return o.destination
}

// RoutesToThisEndpoint reports whether RouteToThisEndpoint was requested.
func (o *Options) RoutesToThisEndpoint() bool {
	return o.routeToSelf
}

// Delay returns the relative delay set by DelayDeliveryWith.
func (o *Options) Delay() time.Duration {
	return o.delay
}

// DeliverAt returns the absolute time set by DoNotDeliverBefore.
func (o *Options) DeliverAt() time.Time {
	return o.deliverAt
}

// IsDeferred reports whether delivery is deferred at all.
func (o *Options) IsDeferred() bool {
	return o.delay > 0 || !o.deliverAt.IsZero()
}

// DeliveryTime returns the earliest delivery time relative to now.
func (o *Options) DeliveryTime(now time.Time) time.Time {
	switch {
	case !o.deliverAt.IsZero():
		return o.deliverAt
	case o.delay > 0:
		return now.Add(o.delay)
	default:
		return now
	}
}

// SendOption mutates Options.
type SendOption func(*Options)

// WithHeader sets an outgoing header.
func WithHeader(key, value string) SendOption {
	return func(o *Options) {
		o.SetHeader(key, value)
	}
}

// WithDestination sends to an explicit destination.
func WithDestination(destination string) SendOption {
	return func(o *Options) {
		o.SetDestination(destination)
	}
}

// WithDelay defers delivery by d.
func WithDelay(d time.Duration) SendOption {
	return func(o *Options) {
		o.DelayDeliveryWith(d)
	}
}

// ToThisEndpoint routes the message back to the sending endpoint.
func ToThisEndpoint() SendOption {
	return func(o *Options) {
		o.RouteToThisEndpoint()
	}
}

// BuildOptions applies opts to fresh Options.
func BuildOptions(opts ...SendOption) *Options {
	o := NewOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transport is the outgoing side of a message endpoint.
// A nil *Options is treated as empty options.
type Transport interface {
	Send(ctx context.Context, msg interface{}, opts *Options) error
	Publish(ctx context.Context, msg interface{}, opts *Options) error
}

// Forwarder is implemented by transports that can re-send a received message unchanged.
type Forwarder interface {
	Forward(ctx context.Context, env *Envelope, destination string) error
}

// MessageContext is the processing context of one inbound message.
type MessageContext interface {
	Transport

	// Reply sends msg to the reply address of the inbound message.
	Reply(ctx context.Context, msg interface{}, opts *Options) error

	// MessageID returns the inbound message id.
	MessageID() string

	// MessageHeaders returns the inbound headers.
	MessageHeaders() Headers

	// ReplyToAddress returns the inbound reply address, if any.
	ReplyToAddress() string

	// ErrorQueue returns the endpoint's dead-letter destination, or "".
	ErrorQueue() string

	// ForwardCurrentMessageTo re-sends the inbound message unchanged to destination.
	ForwardCurrentMessageTo(ctx context.Context, destination string) error
}

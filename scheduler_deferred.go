package stoat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeferredPublish carries a message to be published once its deferred
// delivery arrives at this endpoint.
type DeferredPublish struct {
	PayloadType string `json:"payloadType" msgpack:"payloadType"`
	Payload     []byte `json:"payload" msgpack:"payload"`
}

// DeferredScheduler schedules messages with the transport's own deferred
// delivery. Cancellation is not possible: CancelScheduledSend and
// CancelScheduledPublish return nil and the message is still delivered.
// Schedules discard such deliveries because their token no longer matches.
type DeferredScheduler struct {
	transport  Transport
	serializer Serializer
	logger     Logger
}

// DeferredSchedulerOption configures a DeferredScheduler.
type DeferredSchedulerOption func(*DeferredScheduler)

// WithDeferredSerializer sets the serializer used to wrap scheduled publishes.
func WithDeferredSerializer(s Serializer) DeferredSchedulerOption {
	return func(d *DeferredScheduler) {
		d.serializer = s
	}
}

// WithDeferredLogger sets the logger.
func WithDeferredLogger(l Logger) DeferredSchedulerOption {
	return func(d *DeferredScheduler) {
		d.logger = l
	}
}

// NewDeferredScheduler creates a DeferredScheduler sending through transport.
func NewDeferredScheduler(transport Transport, opts ...DeferredSchedulerOption) *DeferredScheduler {
	d := &DeferredScheduler{
		transport:  transport,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ScheduleSend delivers msg to this endpoint no earlier than at.
func (d *DeferredScheduler) ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	return d.schedule(ctx, "", at, msg, opts)
}

// ScheduleSendTo delivers msg to destination no earlier than at.
func (d *DeferredScheduler) ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	return d.schedule(ctx, destination, at, msg, opts)
}

// SchedulePublish wraps msg in a DeferredPublish sent to this endpoint. The
// handler returned by NewDeferredPublishHandler publishes it on arrival.
func (d *DeferredScheduler) SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	payload, err := d.serializer.Serialize(msg)
	if err != nil {
		return nil, err
	}
	scheduled, err := d.schedule(ctx, "", at, &DeferredPublish{PayloadType: MessageTypeOf(msg), Payload: payload}, opts)
	if err != nil {
		return nil, err
	}
	scheduled.PayloadType = MessageTypeOf(msg)
	scheduled.Payload = msg
	return scheduled, nil
}

func (d *DeferredScheduler) schedule(ctx context.Context, destination string, at time.Time, msg interface{}, opts []SendOption) (*ScheduledMessage, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if d.transport == nil {
		return nil, ErrTransportNotConfigured
	}

	token := uuid.New()
	o := BuildOptions(opts...)
	if destination == "" {
		o.RouteToThisEndpoint()
	} else {
		o.SetDestination(destination)
	}
	o.DoNotDeliverBefore(at)
	o.SetHeader(HeaderSchedulingTokenID, token.String())

	if err := d.transport.Send(ctx, msg, o); err != nil {
		return nil, err
	}

	d.logger.Debug("Scheduled deferred message",
		"messageType", MessageTypeOf(msg),
		"token", token.String(),
		"at", at)

	return &ScheduledMessage{
		TokenID:       token,
		ScheduledTime: at,
		PayloadType:   MessageTypeOf(msg),
		Payload:       msg,
		Destination:   destination,
	}, nil
}

// CancelScheduledSend does nothing: deferred messages cannot be recalled.
func (d *DeferredScheduler) CancelScheduledSend(_ context.Context, tokenID uuid.UUID) error {
	d.logger.Debug("Deferred delivery cannot be cancelled, message will still arrive",
		"token", tokenID.String())
	return nil
}

// CancelScheduledPublish does nothing: deferred messages cannot be recalled.
func (d *DeferredScheduler) CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error {
	return d.CancelScheduledSend(ctx, tokenID)
}

// Guarantee reports CancellationBestEffort.
func (d *DeferredScheduler) Guarantee() CancellationGuarantee {
	return CancellationBestEffort
}

var _ MessageScheduler = (*DeferredScheduler)(nil)

// NewDeferredPublishHandler returns a handler that publishes the message
// wrapped in a received DeferredPublish.
func NewDeferredPublishHandler(serializer Serializer) HandlerFunc {
	return func(ctx context.Context, env *Envelope, mc MessageContext) error {
		wrapped, ok := asMessage[DeferredPublish](env.Message)
		if !ok {
			return ErrMessageTypeMismatch
		}
		msg, err := serializer.Deserialize(wrapped.Payload, wrapped.PayloadType)
		if err != nil {
			return err
		}
		opts := NewOptions()
		if token := env.Headers.Get(HeaderSchedulingTokenID); token != "" {
			opts.SetHeader(HeaderSchedulingTokenID, token)
		}
		return mc.Publish(ctx, msg, opts)
	}
}

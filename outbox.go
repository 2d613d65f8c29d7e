package stoat

import (
	"context"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/google/uuid"
)

// OutboxStatus represents the current status of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore defines the interface for outbox message persistence.
type OutboxStore = adapters.OutboxStore

// LocalPrefix is the destination prefix of in-process endpoints.
const LocalPrefix = "local"

// LocalDestination returns the outbox destination of the named in-process endpoint.
func LocalDestination(endpoint string) string {
	return LocalPrefix + ":" + endpoint
}

// Publisher publishes outbox messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the destination prefix this publisher handles (e.g., "webhook", "kafka", "sns").
	Destination() string
}

// OutboxMetrics collects metrics about outbox processing.
type OutboxMetrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
	RecordPendingMessages(count int64)
}

// noopOutboxMetrics is a no-op implementation of OutboxMetrics.
type noopOutboxMetrics struct{}

func (m *noopOutboxMetrics) RecordMessageProcessed(destination string, success bool) {}
func (m *noopOutboxMetrics) RecordMessageFailed(destination string)                  {}
func (m *noopOutboxMetrics) RecordMessageDeadLettered()                              {}
func (m *noopOutboxMetrics) RecordBatchDuration(duration time.Duration)              {}
func (m *noopOutboxMetrics) RecordPendingMessages(count int64)                       {}

// OutboxTransport is a Transport that writes outgoing messages to an
// OutboxStore. Deferred messages get a later ScheduledAt, so the outbox doubles
// as the transport-native delayed delivery used by DeferredScheduler.
type OutboxTransport struct {
	store         OutboxStore
	serializer    Serializer
	logger        Logger
	now           func() time.Time
	self          string
	maxAttempts   int
	routes        map[string]string
	publishRoutes map[string][]string
}

// OutboxOption configures an OutboxTransport.
type OutboxOption func(*OutboxTransport)

// WithEndpointName sets the endpoint messages routed to this endpoint are delivered to.
func WithEndpointName(name string) OutboxOption {
	return func(t *OutboxTransport) {
		t.self = LocalDestination(name)
	}
}

// WithRoute sends messages of messageType to destination unless the send names one.
func WithRoute(messageType, destination string) OutboxOption {
	return func(t *OutboxTransport) {
		t.routes[messageType] = destination
	}
}

// WithPublishRoute delivers published messages of messageType to destinations.
func WithPublishRoute(messageType string, destinations ...string) OutboxOption {
	return func(t *OutboxTransport) {
		t.publishRoutes[messageType] = append(t.publishRoutes[messageType], destinations...)
	}
}

// WithOutboxSerializer sets the payload serializer. Defaults to JSON.
func WithOutboxSerializer(s Serializer) OutboxOption {
	return func(t *OutboxTransport) {
		t.serializer = s
	}
}

// WithOutboxLogger sets a logger for the outbox transport.
func WithOutboxLogger(l Logger) OutboxOption {
	return func(t *OutboxTransport) {
		t.logger = l
	}
}

// WithOutboxMaxAttempts sets the default max attempts for outbox messages.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(t *OutboxTransport) {
		t.maxAttempts = n
	}
}

// WithOutboxTransportClock sets the time source for ScheduledAt and the sent time.
func WithOutboxTransportClock(now func() time.Time) OutboxOption {
	return func(t *OutboxTransport) {
		t.now = now
	}
}

// NewOutboxTransport creates an OutboxTransport writing to store.
func NewOutboxTransport(store OutboxStore, opts ...OutboxOption) *OutboxTransport {
	t := &OutboxTransport{
		store:         store,
		serializer:    NewJSONSerializer(),
		logger:        &noopLogger{},
		now:           time.Now,
		self:          LocalDestination("default"),
		maxAttempts:   5,
		routes:        make(map[string]string),
		publishRoutes: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying OutboxStore.
func (t *OutboxTransport) Store() OutboxStore {
	return t.store
}

// Address returns the destination of this endpoint.
func (t *OutboxTransport) Address() string {
	return t.self
}

// Send stores msg for delivery to one destination: this endpoint, the
// destination named in opts, or the route configured for its type.
func (t *OutboxTransport) Send(ctx context.Context, msg interface{}, opts *Options) error {
	if msg == nil {
		return ErrNilMessage
	}
	if opts == nil {
		opts = NewOptions()
	}
	messageType := MessageTypeOf(msg)

	destination := opts.Destination()
	switch {
	case opts.RoutesToThisEndpoint():
		destination = t.self
	case destination == "":
		destination = t.routes[messageType]
	}
	if destination == "" {
		return &NoRouteError{MessageType: messageType}
	}

	out, err := t.build(msg, messageType, destination, opts)
	if err != nil {
		return err
	}
	return t.schedule(ctx, out)
}

// Publish stores msg once per publish route of its type. Messages nobody
// subscribed to are dropped.
func (t *OutboxTransport) Publish(ctx context.Context, msg interface{}, opts *Options) error {
	if msg == nil {
		return ErrNilMessage
	}
	if opts == nil {
		opts = NewOptions()
	}
	messageType := MessageTypeOf(msg)

	destinations := t.publishRoutes[messageType]
	if len(destinations) == 0 {
		t.logger.Debug("No subscribers for published message", "messageType", messageType)
		return nil
	}

	out := make([]*OutboxMessage, 0, len(destinations))
	for _, destination := range destinations {
		m, err := t.build(msg, messageType, destination, opts)
		if err != nil {
			return err
		}
		out = append(out, m)
	}
	return t.schedule(ctx, out...)
}

// Forward stores the received envelope for delivery to destination with its
// headers unchanged.
func (t *OutboxTransport) Forward(ctx context.Context, env *Envelope, destination string) error {
	if env == nil {
		return ErrNilMessage
	}
	body := env.Body
	if len(body) == 0 {
		data, err := t.serializer.Serialize(env.Message)
		if err != nil {
			return err
		}
		body = data
	}

	now := t.now()
	return t.schedule(ctx, &OutboxMessage{
		ID:          uuid.NewString(),
		PartitionKey: env.Headers.Get(HeaderSagaID),
		MessageType:   env.MessageType,
		Destination: destination,
		Payload:     body,
		Headers:     map[string]string(env.Headers.Clone()),
		Status:      OutboxPending,
		MaxAttempts: t.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	})
}

func (t *OutboxTransport) build(msg interface{}, messageType, destination string, opts *Options) (*OutboxMessage, error) {
	payload, err := t.serializer.Serialize(msg)
	if err != nil {
		return nil, err
	}

	now := t.now()
	id := uuid.NewString()
	headers := opts.Headers()
	headers[HeaderMessageID] = id
	headers[HeaderMessageType] = messageType
	headers[HeaderTimeSent] = now.UTC().Format(time.RFC3339Nano)
	if headers.Get(HeaderReplyToAddress) == "" {
		headers[HeaderReplyToAddress] = t.self
	}

	partition := headers.Get(HeaderSagaID)
	if partition == "" {
		partition = headers.Get(HeaderCorrelationID)
	}

	return &OutboxMessage{
		ID:          id,
		PartitionKey: partition,
		MessageType:   messageType,
		Destination: destination,
		Payload:     payload,
		Headers:     map[string]string(headers),
		Status:      OutboxPending,
		MaxAttempts: t.maxAttempts,
		ScheduledAt: opts.DeliveryTime(now),
		CreatedAt:   now,
	}, nil
}

func (t *OutboxTransport) schedule(ctx context.Context, messages ...*OutboxMessage) error {
	if err := t.store.Schedule(ctx, messages); err != nil {
		t.logger.Error("Failed to schedule outbox messages", "error", err)
		return fmt.Errorf("stoat: outbox scheduling failed: %w", err)
	}
	for _, m := range messages {
		t.logger.Debug("Scheduled outbox message",
			"messageType", m.MessageType,
			"destination", m.Destination,
			"scheduledAt", m.ScheduledAt)
	}
	return nil
}

// EnvelopeFromOutbox rebuilds the envelope of a delivered outbox message.
func EnvelopeFromOutbox(msg *OutboxMessage) *Envelope {
	headers := Headers(msg.Headers).Clone()
	id := headers.Get(HeaderMessageID)
	if id == "" {
		id = msg.ID
	}
	messageType := headers.Get(HeaderMessageType)
	if messageType == "" {
		messageType = msg.MessageType
	}
	return &Envelope{
		ID:          id,
		MessageType: messageType,
		Body:        msg.Payload,
		Headers:     headers,
	}
}

var (
	_ Transport = (*OutboxTransport)(nil)
	_ Forwarder = (*OutboxTransport)(nil)
)

// Package tracing provides OpenTelemetry integration for stoat.
//
// This package traces message dispatch, outgoing sends and publishes, saga
// persistence and outbox delivery. Trace context travels in message headers,
// so a saga step and the messages it sends share one trace.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//	otel.SetTextMapPropagator(propagation.TraceContext{})
//
//	tracer := tracing.NewTracer()
//	d := stoat.NewDispatcher(
//		stoat.WithTransport(tracing.NewTransportMiddleware(transport, tracer)),
//		stoat.WithSagaStore(tracing.NewSagaStoreMiddleware(store, tracer)),
//		stoat.WithMiddleware(tracing.ReceiveMiddleware(tracer)),
//	)
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

const (
	// TracerName is the name of the stoat tracer.
	TracerName = "github.com/AshkanYarmoradi/go-stoat"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "stoat"
)

// Tracer wraps OpenTelemetry tracer for stoat operations.
type Tracer struct {
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithPropagator sets the propagator used to carry trace context in headers.
// Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) TracerOption {
	return func(t *Tracer) {
		t.propagator = p
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.propagator == nil {
		t.propagator = otel.GetTextMapPropagator()
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// end records err on span and ends it.
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// =============================================================================
// Receive Middleware
// =============================================================================

// ReceiveMiddleware creates dispatcher middleware that traces message
// processing. The span continues the trace found in the message headers.
func ReceiveMiddleware(tracer *Tracer) stoat.Middleware {
	return func(next stoat.ReceiveFunc) stoat.ReceiveFunc {
		return func(ctx context.Context, env *stoat.Envelope) error {
			if env.Headers != nil {
				ctx = tracer.propagator.Extract(ctx, propagation.MapCarrier(env.Headers))
			}

			ctx, span := tracer.StartSpan(ctx, "receive "+env.MessageType,
				trace.WithSpanKind(trace.SpanKindConsumer),
			)

			attrs := []attribute.KeyValue{
				attribute.String("stoat.service", tracer.serviceName),
				attribute.String("stoat.message.type", env.MessageType),
			}
			if env.ID != "" {
				attrs = append(attrs, attribute.String("stoat.message.id", env.ID))
			}
			if id := env.Headers.Get(stoat.HeaderCorrelationID); id != "" {
				attrs = append(attrs, attribute.String("stoat.correlation_id", id))
			}
			if id := env.Headers.Get(stoat.HeaderSagaID); id != "" {
				attrs = append(attrs, attribute.String("stoat.saga.id", id))
			}
			if env.Headers.Get(stoat.HeaderIsSagaTimeout) != "" {
				attrs = append(attrs, attribute.Bool("stoat.saga.timeout", true))
			}
			span.SetAttributes(attrs...)

			err := next(ctx, env)
			end(span, err)
			return err
		}
	}
}

// =============================================================================
// Transport Middleware
// =============================================================================

// TransportMiddleware wraps a Transport with tracing and injects the trace
// context into outgoing headers.
type TransportMiddleware struct {
	transport stoat.Transport
	tracer    *Tracer
}

var (
	_ stoat.Transport = (*TransportMiddleware)(nil)
	_ stoat.Forwarder = (*TransportMiddleware)(nil)
)

// NewTransportMiddleware wraps transport with tracing.
func NewTransportMiddleware(transport stoat.Transport, tracer *Tracer) *TransportMiddleware {
	return &TransportMiddleware{transport: transport, tracer: tracer}
}

// Send sends msg with tracing.
func (m *TransportMiddleware) Send(ctx context.Context, msg interface{}, opts *stoat.Options) error {
	return m.outgoing(ctx, "send", msg, opts, m.transport.Send)
}

// Publish publishes msg with tracing.
func (m *TransportMiddleware) Publish(ctx context.Context, msg interface{}, opts *stoat.Options) error {
	return m.outgoing(ctx, "publish", msg, opts, m.transport.Publish)
}

func (m *TransportMiddleware) outgoing(ctx context.Context, op string, msg interface{}, opts *stoat.Options,
	next func(context.Context, interface{}, *stoat.Options) error) error {
	msgType := stoat.MessageTypeOf(msg)
	ctx, span := m.tracer.StartSpan(ctx, op+" "+msgType,
		trace.WithSpanKind(trace.SpanKindProducer),
	)

	if opts == nil {
		opts = stoat.NewOptions()
	}
	attrs := []attribute.KeyValue{
		attribute.String("stoat.service", m.tracer.serviceName),
		attribute.String("stoat.message.type", msgType),
	}
	if dest := opts.Destination(); dest != "" {
		attrs = append(attrs, attribute.String("stoat.destination", dest))
	}
	if opts.IsDeferred() {
		attrs = append(attrs, attribute.Bool("stoat.deferred", true))
	}
	span.SetAttributes(attrs...)

	m.tracer.propagator.Inject(ctx, optionsCarrier{opts})

	err := next(ctx, msg, opts)
	end(span, err)
	return err
}

// Forward forwards env when the wrapped transport supports it.
func (m *TransportMiddleware) Forward(ctx context.Context, env *stoat.Envelope, destination string) error {
	f, ok := m.transport.(stoat.Forwarder)
	if !ok {
		return stoat.ErrForwardNotSupported
	}

	ctx, span := m.tracer.StartSpan(ctx, "forward "+env.MessageType,
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("stoat.service", m.tracer.serviceName),
		attribute.String("stoat.message.type", env.MessageType),
		attribute.String("stoat.destination", destination),
	)

	err := f.Forward(ctx, env, destination)
	end(span, err)
	return err
}

// optionsCarrier adapts Options to a propagation.TextMapCarrier.
type optionsCarrier struct {
	opts *stoat.Options
}

func (c optionsCarrier) Get(key string) string { return c.opts.Header(key) }

func (c optionsCarrier) Set(key, value string) { c.opts.SetHeader(key, value) }

func (c optionsCarrier) Keys() []string {
	headers := c.opts.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	return keys
}

// =============================================================================
// Saga Store Middleware
// =============================================================================

// SagaStoreMiddleware wraps a SagaStore with tracing.
type SagaStoreMiddleware struct {
	store  adapters.SagaStore
	tracer *Tracer
}

var _ adapters.SagaStore = (*SagaStoreMiddleware)(nil)

// NewSagaStoreMiddleware wraps a saga store with tracing.
func NewSagaStoreMiddleware(store adapters.SagaStore, tracer *Tracer) *SagaStoreMiddleware {
	return &SagaStoreMiddleware{store: store, tracer: tracer}
}

func (m *SagaStoreMiddleware) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, "sagastore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(append([]attribute.KeyValue{attribute.String("stoat.service", m.tracer.serviceName)}, attrs...)...)
	return ctx, span
}

// Save persists a saga state with tracing.
func (m *SagaStoreMiddleware) Save(ctx context.Context, state *adapters.SagaState) error {
	var attrs []attribute.KeyValue
	if state != nil {
		attrs = append(attrs,
			attribute.String("stoat.saga.id", state.ID),
			attribute.String("stoat.saga.type", state.Type),
			attribute.String("stoat.saga.state", state.CurrentState),
			attribute.Int64("stoat.saga.expected_version", state.Version),
		)
	}
	ctx, span := m.start(ctx, "save", attrs...)

	err := m.store.Save(ctx, state)
	if err == nil && state != nil {
		span.SetAttributes(attribute.Int64("stoat.saga.version", state.Version))
	}
	end(span, err)
	return err
}

// Load retrieves a saga state with tracing.
func (m *SagaStoreMiddleware) Load(ctx context.Context, sagaID string) (*adapters.SagaState, error) {
	ctx, span := m.start(ctx, "load", attribute.String("stoat.saga.id", sagaID))

	state, err := m.store.Load(ctx, sagaID)
	end(span, err)
	return state, err
}

// FindByCorrelationID finds a saga by correlation key with tracing. A missing
// saga is recorded as an attribute, not an error.
func (m *SagaStoreMiddleware) FindByCorrelationID(ctx context.Context, sagaType, correlationID string) (*adapters.SagaState, error) {
	ctx, span := m.start(ctx, "find_by_correlation",
		attribute.String("stoat.saga.type", sagaType),
		attribute.String("stoat.correlation_id", correlationID),
	)

	state, err := m.store.FindByCorrelationID(ctx, sagaType, correlationID)
	span.SetAttributes(attribute.Bool("stoat.saga.found", err == nil))
	if errors.Is(err, adapters.ErrSagaNotFound) {
		end(span, nil)
	} else {
		end(span, err)
	}
	return state, err
}

// FindByType finds sagas of a type with tracing.
func (m *SagaStoreMiddleware) FindByType(ctx context.Context, sagaType string, statuses ...adapters.SagaStatus) ([]*adapters.SagaState, error) {
	ctx, span := m.start(ctx, "find_by_type", attribute.String("stoat.saga.type", sagaType))

	states, err := m.store.FindByType(ctx, sagaType, statuses...)
	span.SetAttributes(attribute.Int("stoat.sagas.count", len(states)))
	end(span, err)
	return states, err
}

// Delete removes a saga state with tracing.
func (m *SagaStoreMiddleware) Delete(ctx context.Context, sagaID string) error {
	ctx, span := m.start(ctx, "delete", attribute.String("stoat.saga.id", sagaID))

	err := m.store.Delete(ctx, sagaID)
	end(span, err)
	return err
}

// Close closes the underlying store.
func (m *SagaStoreMiddleware) Close() error {
	return m.store.Close()
}

// =============================================================================
// Outbox Publisher Middleware
// =============================================================================

// PublisherMiddleware wraps an outbox Publisher with tracing.
type PublisherMiddleware struct {
	publisher stoat.Publisher
	tracer    *Tracer
}

var _ stoat.Publisher = (*PublisherMiddleware)(nil)

// NewPublisherMiddleware wraps publisher with tracing.
func NewPublisherMiddleware(publisher stoat.Publisher, tracer *Tracer) *PublisherMiddleware {
	return &PublisherMiddleware{publisher: publisher, tracer: tracer}
}

// Destination returns the wrapped publisher's destination prefix.
func (m *PublisherMiddleware) Destination() string {
	return m.publisher.Destination()
}

// Publish delivers a batch with tracing.
func (m *PublisherMiddleware) Publish(ctx context.Context, messages []*stoat.OutboxMessage) error {
	ctx, span := m.tracer.StartSpan(ctx, "outbox.publish "+m.publisher.Destination(),
		trace.WithSpanKind(trace.SpanKindProducer),
	)

	types := make([]string, len(messages))
	for i, msg := range messages {
		types[i] = msg.MessageType
	}
	span.SetAttributes(
		attribute.String("stoat.service", m.tracer.serviceName),
		attribute.String("stoat.outbox.destination", m.publisher.Destination()),
		attribute.Int("stoat.outbox.count", len(messages)),
		attribute.StringSlice("stoat.outbox.types", types),
	)

	err := m.publisher.Publish(ctx, messages)
	end(span, err)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError marks the current span as errored.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

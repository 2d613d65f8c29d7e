// Package metrics provides Prometheus metrics integration for stoat.
//
// This package exposes counters and histograms for message dispatch, saga
// persistence, message scheduling and outbox delivery.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("sales"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	d := stoat.NewDispatcher(
//		stoat.WithSagaStore(m.WrapSagaStore(store)),
//		stoat.WithMiddleware(m.ReceiveMiddleware()),
//	)
//	processor := stoat.NewOutboxProcessor(outbox, stoat.WithOutboxMetrics(m))
//
// The metrics collected include:
//   - Message counts, durations and in-flight gauges by message type
//   - Saga store operations (save, load, find, delete)
//   - Scheduled and cancelled messages
//   - Outbox deliveries, dead letters and backlog
//   - Error counts by type
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Default metric labels.
const (
	LabelMessageType = "message_type"
	LabelDestination = "destination"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationSave              = "save"
	OperationLoad              = "load"
	OperationFindByCorrelation = "find_by_correlation"
	OperationFindByType        = "find_by_type"
	OperationDelete            = "delete"
	OperationScheduleSend      = "schedule_send"
	OperationSchedulePublish   = "schedule_publish"
	OperationCancel            = "cancel"
)

// Metrics holds all Prometheus metrics for stoat.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Message metrics
	messagesTotal    *prometheus.CounterVec
	messageDuration  *prometheus.HistogramVec
	messagesInFlight *prometheus.GaugeVec

	// Saga store metrics
	sagaStoreOperationsTotal   *prometheus.CounterVec
	sagaStoreOperationDuration *prometheus.HistogramVec

	// Scheduler metrics
	scheduledMessagesTotal *prometheus.CounterVec

	// Outbox metrics
	outboxMessagesTotal     *prometheus.CounterVec
	outboxDeadLetteredTotal *prometheus.CounterVec
	outboxBatchDuration     *prometheus.HistogramVec
	outboxPending           *prometheus.GaugeVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

var _ stoat.OutboxMetrics = (*Metrics)(nil)

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "stoat",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() {
	m.messagesTotal = m.counter("messages_total",
		"Total number of messages received.", LabelMessageType, LabelStatus)
	m.messageDuration = m.histogram("message_duration_seconds",
		"Duration of message processing in seconds.", LabelMessageType)
	m.messagesInFlight = m.gauge("messages_in_flight",
		"Number of messages currently being processed.", LabelMessageType)

	m.sagaStoreOperationsTotal = m.counter("saga_store_operations_total",
		"Total number of saga store operations.", LabelOperation, LabelStatus)
	m.sagaStoreOperationDuration = m.histogram("saga_store_operation_duration_seconds",
		"Duration of saga store operations in seconds.", LabelOperation)

	m.scheduledMessagesTotal = m.counter("scheduled_messages_total",
		"Total number of scheduling operations.", LabelOperation, LabelStatus)

	m.outboxMessagesTotal = m.counter("outbox_messages_total",
		"Total number of outbox delivery attempts.", LabelDestination, LabelStatus)
	m.outboxDeadLetteredTotal = m.counter("outbox_dead_lettered_total",
		"Total number of outbox messages moved to the dead letter state.")
	m.outboxBatchDuration = m.histogram("outbox_batch_duration_seconds",
		"Duration of outbox batch processing in seconds.")
	m.outboxPending = m.gauge("outbox_pending_messages",
		"Number of outbox messages waiting for delivery.")

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesTotal,
		m.messageDuration,
		m.messagesInFlight,
		m.sagaStoreOperationsTotal,
		m.sagaStoreOperationDuration,
		m.scheduledMessagesTotal,
		m.outboxMessagesTotal,
		m.outboxDeadLetteredTotal,
		m.outboxBatchDuration,
		m.outboxPending,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Receive Middleware
// =============================================================================

// ReceiveMiddleware returns dispatcher middleware that records message metrics.
func (m *Metrics) ReceiveMiddleware() stoat.Middleware {
	return func(next stoat.ReceiveFunc) stoat.ReceiveFunc {
		return func(ctx context.Context, env *stoat.Envelope) error {
			msgType := env.MessageType

			m.messagesInFlight.WithLabelValues(m.serviceName, msgType).Inc()
			defer m.messagesInFlight.WithLabelValues(m.serviceName, msgType).Dec()

			start := time.Now()
			err := next(ctx, env)
			m.messageDuration.WithLabelValues(m.serviceName, msgType).Observe(time.Since(start).Seconds())

			m.messagesTotal.WithLabelValues(m.serviceName, msgType, m.status(err)).Inc()
			return err
		}
	}
}

// status returns the status label for err and counts the error.
func (m *Metrics) status(err error) string {
	if err == nil {
		return StatusSuccess
	}
	m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	return StatusError
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, stoat.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, stoat.ErrSagaNotFound):
		return "saga_not_found"
	case errors.Is(err, stoat.ErrUnhandledEvent):
		return "unhandled_event"
	case errors.Is(err, stoat.ErrEventNotDeclared):
		return "event_not_declared"
	case errors.Is(err, stoat.ErrNoRoute):
		return "no_route"
	case errors.Is(err, stoat.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, stoat.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, stoat.ErrMessageTypeNotRegistered):
		return "message_type_not_registered"
	case errors.Is(err, stoat.ErrNilMessage):
		return "nil_message"
	case errors.Is(err, stoat.ErrSchedulerNotConfigured):
		return "scheduler_not_configured"
	case errors.Is(err, stoat.ErrTransportNotConfigured):
		return "transport_not_configured"
	case errors.Is(err, stoat.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Saga Store Middleware
// =============================================================================

// SagaStoreMiddleware wraps a SagaStore with metrics.
type SagaStoreMiddleware struct {
	store   adapters.SagaStore
	metrics *Metrics
}

var _ adapters.SagaStore = (*SagaStoreMiddleware)(nil)

// WrapSagaStore wraps a saga store with metrics collection.
func (m *Metrics) WrapSagaStore(store adapters.SagaStore) *SagaStoreMiddleware {
	return &SagaStoreMiddleware{store: store, metrics: m}
}

func (sm *SagaStoreMiddleware) observe(operation string, start time.Time, err error) {
	m := sm.metrics
	m.sagaStoreOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())
	status := StatusSuccess
	// A missing saga is an answer, not a failure.
	if err != nil && !errors.Is(err, adapters.ErrSagaNotFound) {
		status = m.status(err)
	}
	m.sagaStoreOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// Save persists a saga state with metrics.
func (sm *SagaStoreMiddleware) Save(ctx context.Context, state *adapters.SagaState) error {
	start := time.Now()
	err := sm.store.Save(ctx, state)
	sm.observe(OperationSave, start, err)
	return err
}

// Load retrieves a saga state with metrics.
func (sm *SagaStoreMiddleware) Load(ctx context.Context, sagaID string) (*adapters.SagaState, error) {
	start := time.Now()
	state, err := sm.store.Load(ctx, sagaID)
	sm.observe(OperationLoad, start, err)
	return state, err
}

// FindByCorrelationID finds a saga by correlation key with metrics.
func (sm *SagaStoreMiddleware) FindByCorrelationID(ctx context.Context, sagaType, correlationID string) (*adapters.SagaState, error) {
	start := time.Now()
	state, err := sm.store.FindByCorrelationID(ctx, sagaType, correlationID)
	sm.observe(OperationFindByCorrelation, start, err)
	return state, err
}

// FindByType finds sagas of a type with metrics.
func (sm *SagaStoreMiddleware) FindByType(ctx context.Context, sagaType string, statuses ...adapters.SagaStatus) ([]*adapters.SagaState, error) {
	start := time.Now()
	states, err := sm.store.FindByType(ctx, sagaType, statuses...)
	sm.observe(OperationFindByType, start, err)
	return states, err
}

// Delete removes a saga state with metrics.
func (sm *SagaStoreMiddleware) Delete(ctx context.Context, sagaID string) error {
	start := time.Now()
	err := sm.store.Delete(ctx, sagaID)
	sm.observe(OperationDelete, start, err)
	return err
}

// Close closes the underlying store.
func (sm *SagaStoreMiddleware) Close() error {
	return sm.store.Close()
}

// =============================================================================
// Scheduler Middleware
// =============================================================================

// SchedulerMiddleware wraps a MessageScheduler with metrics.
type SchedulerMiddleware struct {
	scheduler stoat.MessageScheduler
	metrics   *Metrics
}

var _ stoat.MessageScheduler = (*SchedulerMiddleware)(nil)

// WrapScheduler wraps a message scheduler with metrics collection.
func (m *Metrics) WrapScheduler(scheduler stoat.MessageScheduler) *SchedulerMiddleware {
	return &SchedulerMiddleware{scheduler: scheduler, metrics: m}
}

func (s *SchedulerMiddleware) record(operation string, err error) {
	m := s.metrics
	m.scheduledMessagesTotal.WithLabelValues(m.serviceName, operation, m.status(err)).Inc()
}

// ScheduleSend schedules a send to this endpoint with metrics.
func (s *SchedulerMiddleware) ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	scheduled, err := s.scheduler.ScheduleSend(ctx, at, msg, opts...)
	s.record(OperationScheduleSend, err)
	return scheduled, err
}

// ScheduleSendTo schedules a send to destination with metrics.
func (s *SchedulerMiddleware) ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	scheduled, err := s.scheduler.ScheduleSendTo(ctx, destination, at, msg, opts...)
	s.record(OperationScheduleSend, err)
	return scheduled, err
}

// SchedulePublish schedules a publish with metrics.
func (s *SchedulerMiddleware) SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	scheduled, err := s.scheduler.SchedulePublish(ctx, at, msg, opts...)
	s.record(OperationSchedulePublish, err)
	return scheduled, err
}

// CancelScheduledSend cancels a scheduled send with metrics.
func (s *SchedulerMiddleware) CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error {
	err := s.scheduler.CancelScheduledSend(ctx, tokenID)
	s.record(OperationCancel, err)
	return err
}

// CancelScheduledPublish cancels a scheduled publish with metrics.
func (s *SchedulerMiddleware) CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error {
	err := s.scheduler.CancelScheduledPublish(ctx, tokenID)
	s.record(OperationCancel, err)
	return err
}

// Guarantee reports the wrapped scheduler's cancellation guarantee.
func (s *SchedulerMiddleware) Guarantee() stoat.CancellationGuarantee {
	return s.scheduler.Guarantee()
}

// =============================================================================
// Outbox Metrics
// =============================================================================

// RecordMessageProcessed records a delivery attempt for destination.
func (m *Metrics) RecordMessageProcessed(destination string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.outboxMessagesTotal.WithLabelValues(m.serviceName, destination, status).Inc()
}

// RecordMessageFailed records a failed delivery for destination.
func (m *Metrics) RecordMessageFailed(destination string) {
	m.errorsTotal.WithLabelValues(m.serviceName, "outbox_delivery_failed").Inc()
}

// RecordMessageDeadLettered records a message moved to the dead letter state.
func (m *Metrics) RecordMessageDeadLettered() {
	m.outboxDeadLetteredTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordBatchDuration records how long an outbox batch took.
func (m *Metrics) RecordBatchDuration(duration time.Duration) {
	m.outboxBatchDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// RecordPendingMessages sets the outbox backlog gauge.
func (m *Metrics) RecordPendingMessages(count int64) {
	m.outboxPending.WithLabelValues(m.serviceName).Set(float64(count))
}

// RecordError increments the error counter for errorType.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// =============================================================================
// Metric Accessors
// =============================================================================

// MessagesTotal returns the messages counter.
func (m *Metrics) MessagesTotal() *prometheus.CounterVec {
	return m.messagesTotal
}

// MessageDuration returns the message duration histogram.
func (m *Metrics) MessageDuration() *prometheus.HistogramVec {
	return m.messageDuration
}

// MessagesInFlight returns the in-flight gauge.
func (m *Metrics) MessagesInFlight() *prometheus.GaugeVec {
	return m.messagesInFlight
}

// SagaStoreOperationsTotal returns the saga store operations counter.
func (m *Metrics) SagaStoreOperationsTotal() *prometheus.CounterVec {
	return m.sagaStoreOperationsTotal
}

// ScheduledMessagesTotal returns the scheduling counter.
func (m *Metrics) ScheduledMessagesTotal() *prometheus.CounterVec {
	return m.scheduledMessagesTotal
}

// OutboxMessagesTotal returns the outbox delivery counter.
func (m *Metrics) OutboxMessagesTotal() *prometheus.CounterVec {
	return m.outboxMessagesTotal
}

// OutboxPending returns the outbox backlog gauge.
func (m *Metrics) OutboxPending() *prometheus.GaugeVec {
	return m.outboxPending
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}

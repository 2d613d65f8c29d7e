package stoat

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = adapters.ErrSagaNotFound

	// ErrConcurrencyConflict indicates an optimistic concurrency violation on save.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrNilMessageFactory indicates an activity was built without a message factory.
	ErrNilMessageFactory = errors.New("stoat: message factory is nil")

	// ErrInvalidConfiguration indicates a state machine or activity was misconfigured.
	ErrInvalidConfiguration = errors.New("stoat: invalid configuration")

	// ErrAmbiguousTimeZone indicates an absolute delivery time without a definite location.
	ErrAmbiguousTimeZone = errors.New("stoat: delivery time has an ambiguous time zone")

	// ErrDeadQueueNotSetup indicates Fault was used on an endpoint without an error queue.
	ErrDeadQueueNotSetup = errors.New("stoat: dead-letter queue is not set up")

	// ErrEventNotDeclared indicates no event is declared for a message type.
	ErrEventNotDeclared = errors.New("stoat: no event declared for message type")

	// ErrUnhandledEvent indicates an event was raised in a state that does not accept it.
	ErrUnhandledEvent = errors.New("stoat: event not accepted in current state")

	// ErrMessageTypeMismatch indicates a message does not match the event's message type.
	ErrMessageTypeMismatch = errors.New("stoat: message type does not match event")

	// ErrNilMessage indicates a nil message was passed.
	ErrNilMessage = errors.New("stoat: nil message")

	// ErrNilInstance indicates a nil saga instance was passed.
	ErrNilInstance = errors.New("stoat: nil saga instance")

	// ErrSchedulerNotConfigured indicates a schedule activity ran without a MessageScheduler.
	ErrSchedulerNotConfigured = errors.New("stoat: message scheduler not configured")

	// ErrNoMessageContext indicates an activity needed the inbound message context but had none.
	ErrNoMessageContext = errors.New("stoat: no message context")

	// ErrNoReplyAddress indicates a reply was attempted for a message without a reply address.
	ErrNoReplyAddress = errors.New("stoat: inbound message has no reply address")

	// ErrTransportNotConfigured indicates an outgoing message was sent without a Transport.
	ErrTransportNotConfigured = errors.New("stoat: transport not configured")

	// ErrForwardNotSupported indicates the transport cannot forward received messages.
	ErrForwardNotSupported = errors.New("stoat: transport does not support forwarding")

	// ErrSagaAlreadyRegistered indicates two engines were registered under one saga type.
	ErrSagaAlreadyRegistered = errors.New("stoat: saga type already registered")

	// ErrNoRoute indicates the dispatcher has no handler for a message type.
	ErrNoRoute = errors.New("stoat: no route for message type")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("stoat: handler panicked")

	// ErrSerializationFailed indicates message serialization/deserialization failed.
	ErrSerializationFailed = errors.New("stoat: serialization failed")

	// ErrMessageTypeNotRegistered indicates an unknown message type was encountered.
	ErrMessageTypeNotRegistered = errors.New("stoat: message type not registered")

	// ErrOutboxProcessorRunning indicates the outbox processor is already running.
	ErrOutboxProcessorRunning = errors.New("stoat: outbox processor already running")

	// ErrPublisherNotFound indicates no publisher handles a destination prefix.
	ErrPublisherNotFound = errors.New("stoat: no publisher for destination")
)

// NoRouteError reports a message type nothing is registered for.
type NoRouteError struct {
	MessageType string
}

// Error returns the error message.
func (e *NoRouteError) Error() string {
	return fmt.Sprintf("stoat: no route for message type %q", e.MessageType)
}

// Is reports whether this error matches the target error.
func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *NoRouteError) Unwrap() error {
	return ErrNoRoute
}

// SagaNotFoundError is an alias for adapters.SagaNotFoundError.
type SagaNotFoundError = adapters.SagaNotFoundError

// ConcurrencyError is an alias for adapters.ConcurrencyError.
type ConcurrencyError = adapters.ConcurrencyError

// ArgumentError reports an invalid argument passed while building an activity.
type ArgumentError struct {
	Activity string
	Argument string
	Err      error
}

// Error returns the error message.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("stoat: %s: invalid argument %q: %v", e.Activity, e.Argument, e.Err)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a problem found while declaring a state machine.
type ConfigurationError struct {
	Subject string
	Err     error
}

// Error returns the error message.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("stoat: configuration of %s: %v", e.Subject, e.Err)
}

// Is reports whether this error matches the target error.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(subject string, err error) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Err: err}
}

// UnhandledEventError reports an event raised in a state with no matching binding.
type UnhandledEventError struct {
	Machine string
	Event   string
	State   string
}

// Error returns the error message.
func (e *UnhandledEventError) Error() string {
	return fmt.Sprintf("stoat: %s: event %q not accepted in state %q", e.Machine, e.Event, e.State)
}

// Is reports whether this error matches the target error.
func (e *UnhandledEventError) Is(target error) bool {
	return target == ErrUnhandledEvent
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *UnhandledEventError) Unwrap() error {
	return ErrUnhandledEvent
}

// EventNotDeclaredError reports a lookup for a message type no event declares.
type EventNotDeclaredError struct {
	Machine     string
	MessageType string
}

// Error returns the error message.
func (e *EventNotDeclaredError) Error() string {
	return fmt.Sprintf("stoat: %s: no event declared for message type %q", e.Machine, e.MessageType)
}

// Is reports whether this error matches the target error.
func (e *EventNotDeclaredError) Is(target error) bool {
	return target == ErrEventNotDeclared
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *EventNotDeclaredError) Unwrap() error {
	return ErrEventNotDeclared
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	MessageType string
	Operation   string
	Cause       error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("stoat: failed to %s message type %q: %v", e.Operation, e.MessageType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a SerializationError.
func NewSerializationError(messageType, operation string, cause error) *SerializationError {
	return &SerializationError{MessageType: messageType, Operation: operation, Cause: cause}
}

// MessageTypeNotRegisteredError reports a message type missing from a registry.
type MessageTypeNotRegisteredError struct {
	MessageType string
}

// Error returns the error message.
func (e *MessageTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("stoat: message type %q not registered", e.MessageType)
}

// Is reports whether this error matches the target error.
func (e *MessageTypeNotRegisteredError) Is(target error) bool {
	return target == ErrMessageTypeNotRegistered
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *MessageTypeNotRegisteredError) Unwrap() error {
	return ErrMessageTypeNotRegistered
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	MessageType string
	Value       interface{}
	Stack       string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stoat: handler panicked while processing %q: %v", e.MessageType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanicked
}

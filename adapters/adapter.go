// Package adapters provides the storage interfaces used by stoat endpoints:
// saga persistence, the transactional outbox and idempotency records.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("stoat: concurrency conflict")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("stoat: adapter is closed")

	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = errors.New("stoat: saga not found")

	// ErrEmptySagaID is returned when an empty saga ID is provided.
	ErrEmptySagaID = errors.New("stoat: saga ID is required")

	// ErrNilSagaState is returned when a nil saga state is saved.
	ErrNilSagaState = errors.New("stoat: nil saga state")

	// ErrOutboxMessageNotFound indicates the requested outbox message does not exist.
	ErrOutboxMessageNotFound = errors.New("stoat: outbox message not found")
)

// SagaNotFoundError provides detailed information about a missing saga.
type SagaNotFoundError struct {
	SagaID        string
	SagaType      string
	CorrelationID string
}

// Error returns the error message.
func (e *SagaNotFoundError) Error() string {
	if e.SagaID != "" {
		return "stoat: saga not found: " + e.SagaID
	}
	return "stoat: saga " + e.SagaType + " not found with correlation ID: " + e.CorrelationID
}

// Is reports whether this error matches the target error.
func (e *SagaNotFoundError) Is(target error) bool {
	return target == ErrSagaNotFound
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *SagaNotFoundError) Unwrap() error {
	return ErrSagaNotFound
}

// ConcurrencyError reports a saga save whose expected version did not match.
type ConcurrencyError struct {
	SagaID          string
	ExpectedVersion int64
	ActualVersion   int64
}

// Error returns the error message.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stoat: concurrency conflict on saga %q: expected version %d, actual version %d",
		e.SagaID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether this error matches the target error.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrencyConflict
}

// =============================================================================
// Sagas
// =============================================================================

// SagaStatus represents the lifecycle status of a persisted saga.
type SagaStatus int

const (
	// SagaStatusRunning indicates the saga is waiting for further messages.
	SagaStatusRunning SagaStatus = iota

	// SagaStatusCompleted indicates the saga reached its final state.
	SagaStatusCompleted
)

// String returns the string representation of the status.
func (s SagaStatus) String() string {
	switch s {
	case SagaStatusRunning:
		return "Running"
	case SagaStatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal returns true if no further messages are applied to the saga.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted
}

// SagaState represents the persisted state of a saga instance.
type SagaState struct {
	// ID is the unique saga identifier.
	ID string `json:"id"`

	// Type is the saga (state machine) name.
	Type string `json:"type"`

	// CurrentState is the name of the state the instance is in.
	CurrentState string `json:"currentState"`

	// CorrelationKeys holds every correlation value the instance answers to.
	CorrelationKeys []string `json:"correlationKeys,omitempty"`

	// Status is the lifecycle status.
	Status SagaStatus `json:"status"`

	// Data is the serialized instance.
	Data []byte `json:"data,omitempty"`

	// StartedAt is when the saga was created.
	StartedAt time.Time `json:"startedAt"`

	// UpdatedAt is when the saga was last saved.
	UpdatedAt time.Time `json:"updatedAt"`

	// CompletedAt is when the saga completed (nil if not completed).
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Version for optimistic concurrency control. Zero means not yet persisted.
	Version int64 `json:"version"`
}

// IsTerminal returns true if the saga is in a terminal state.
func (s *SagaState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// HasCorrelationKey reports whether key is one of the saga's correlation keys.
func (s *SagaState) HasCorrelationKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.CorrelationKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SagaStore defines the interface for saga persistence.
type SagaStore interface {
	// Save persists a saga state.
	// Version 0 creates the saga; otherwise the stored version must match.
	// On success state.Version holds the new version.
	Save(ctx context.Context, state *SagaState) error

	// Load retrieves a saga state by ID.
	// Returns ErrSagaNotFound if the saga doesn't exist.
	Load(ctx context.Context, sagaID string) (*SagaState, error)

	// FindByCorrelationID finds the most recently started saga of sagaType that
	// carries the correlation key. Returns ErrSagaNotFound if none matches.
	FindByCorrelationID(ctx context.Context, sagaType, correlationID string) (*SagaState, error)

	// FindByType finds all sagas of a given type with the specified status.
	// If statuses is empty, returns sagas of all statuses.
	FindByType(ctx context.Context, sagaType string, statuses ...SagaStatus) ([]*SagaState, error)

	// Delete removes a saga state.
	// Returns ErrSagaNotFound if the saga doesn't exist.
	Delete(ctx context.Context, sagaID string) error

	// Close releases any resources held by the store.
	Close() error
}

// =============================================================================
// Outbox
// =============================================================================

// OutboxStatus is the delivery status of an outbox message.
type OutboxStatus int

const (
	// OutboxPending messages wait for their ScheduledAt time.
	OutboxPending OutboxStatus = iota

	// OutboxProcessing messages were fetched by a processor.
	OutboxProcessing

	// OutboxCompleted messages were handed to their publisher.
	OutboxCompleted

	// OutboxFailed messages failed and may be retried.
	OutboxFailed

	// OutboxDeadLetter messages exhausted their attempts.
	OutboxDeadLetter
)

// String returns the string representation of the status.
func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "Pending"
	case OutboxProcessing:
		return "Processing"
	case OutboxCompleted:
		return "Completed"
	case OutboxFailed:
		return "Failed"
	case OutboxDeadLetter:
		return "DeadLetter"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// OutboxMessage is a message waiting to be delivered to a destination.
type OutboxMessage struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// PartitionKey groups the messages of one saga: its saga id, or the
	// correlation id when no saga sent the message.
	PartitionKey string `json:"partitionKey,omitempty"`

	// MessageType is the message type name.
	MessageType string `json:"messageType"`

	// Destination is "<prefix>:<target>", for example "kafka:orders" or "local:sales".
	Destination string `json:"destination"`

	// Payload is the serialized message.
	Payload []byte `json:"payload"`

	// Headers travel with the message.
	Headers map[string]string `json:"headers,omitempty"`

	// Status is the delivery status.
	Status OutboxStatus `json:"status"`

	// Attempts counts delivery attempts.
	Attempts int `json:"attempts"`

	// MaxAttempts is the number of attempts before dead-lettering.
	MaxAttempts int `json:"maxAttempts"`

	// LastError is the error of the most recent failed attempt.
	LastError string `json:"lastError,omitempty"`

	// ScheduledAt is the earliest delivery time.
	ScheduledAt time.Time `json:"scheduledAt"`

	// LastAttemptAt is when delivery was last attempted.
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`

	// ProcessedAt is when the message was delivered.
	ProcessedAt *time.Time `json:"processedAt,omitempty"`

	// CreatedAt is when the message was stored.
	CreatedAt time.Time `json:"createdAt"`
}

// OutboxStore persists outbox messages until a processor delivers them.
type OutboxStore interface {
	// Schedule stores messages for delivery.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// FetchPending claims up to limit due messages and marks them processing.
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// MarkCompleted marks messages as delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a failed attempt.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed moves failed messages with attempts left back to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter dead-letters failed messages that exhausted maxAttempts.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error)

	// GetDeadLetterMessages returns up to limit dead-lettered messages.
	GetDeadLetterMessages(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// Cleanup removes completed messages older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// =============================================================================
// Idempotency
// =============================================================================

// IdempotencyStore tracks processed messages to prevent duplicate handling.
type IdempotencyStore interface {
	// Exists checks if a message with the given key was already processed.
	Exists(ctx context.Context, key string) (bool, error)

	// Store records that a message was processed.
	Store(ctx context.Context, record *IdempotencyRecord) error

	// Get retrieves the idempotency record for a key.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// Delete removes an idempotency record.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired records.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyRecord stores information about a processed message.
type IdempotencyRecord struct {
	// Key is the idempotency key.
	Key string `json:"key"`

	// MessageType is the type of the processed message.
	MessageType string `json:"messageType"`

	// Error contains the error message if handling failed.
	Error string `json:"error,omitempty"`

	// Success indicates if the message was handled successfully.
	Success bool `json:"success"`

	// ProcessedAt is when the message was processed.
	ProcessedAt time.Time `json:"processedAt"`

	// ExpiresAt is when the record should expire.
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired returns true if the record has expired.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

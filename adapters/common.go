package adapters

import "time"

// CheckSagaVersion validates the version of a saga being saved against the
// stored one. Version 0 creates the saga; any other version must match.
func CheckSagaVersion(sagaID string, expected, current int64, exists bool) error {
	switch {
	case exists && expected != current:
		return &ConcurrencyError{SagaID: sagaID, ExpectedVersion: expected, ActualVersion: current}
	case !exists && expected > 0:
		return &SagaNotFoundError{SagaID: sagaID}
	}
	return nil
}

// CopySagaState creates a deep copy of a SagaState.
func CopySagaState(state *SagaState) *SagaState {
	if state == nil {
		return nil
	}
	copied := *state
	copied.CompletedAt = copyTime(state.CompletedAt)
	if state.Data != nil {
		copied.Data = append([]byte(nil), state.Data...)
	}
	if state.CorrelationKeys != nil {
		copied.CorrelationKeys = append([]string(nil), state.CorrelationKeys...)
	}
	return &copied
}

// CopyOutboxMessage creates a deep copy of an OutboxMessage.
func CopyOutboxMessage(msg *OutboxMessage) *OutboxMessage {
	if msg == nil {
		return nil
	}
	copied := *msg
	if msg.Payload != nil {
		copied.Payload = append([]byte(nil), msg.Payload...)
	}
	if msg.Headers != nil {
		copied.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			copied.Headers[k] = v
		}
	}
	copied.LastAttemptAt = copyTime(msg.LastAttemptAt)
	copied.ProcessedAt = copyTime(msg.ProcessedAt)
	return &copied
}

// CopyIdempotencyRecord creates a copy of an IdempotencyRecord.
func CopyIdempotencyRecord(record *IdempotencyRecord) *IdempotencyRecord {
	if record == nil {
		return nil
	}
	copied := *record
	return &copied
}

// DefaultLimit returns defaultValue when limit is not positive.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

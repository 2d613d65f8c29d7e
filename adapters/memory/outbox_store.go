package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/google/uuid"
)

// Ensure interface compliance at compile time
var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore provides an in-memory implementation of adapters.OutboxStore.
// Messages become due when the store's clock reaches their ScheduledAt, so a
// test can drive deferred delivery by moving the clock.
type OutboxStore struct {
	mu       sync.RWMutex
	messages map[string]*adapters.OutboxMessage
	seq      map[string]int64
	next     int64
	now      func() time.Time
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithOutboxClock sets the time source used to decide which messages are due.
func WithOutboxClock(now func() time.Time) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.now = now
	}
}

// NewOutboxStore creates a new in-memory OutboxStore.
func NewOutboxStore(opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		messages: make(map[string]*adapters.OutboxMessage),
		seq:      make(map[string]int64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule stores outbox messages for later processing.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = 5
		}
		msg.Status = adapters.OutboxPending

		s.messages[msg.ID] = copyMessage(msg)
		s.next++
		s.seq[msg.ID] = s.next
	}
	return nil
}

// FetchPending claims up to limit due messages, earliest first.
// Messages due at the same instant keep their scheduling order.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*adapters.OutboxMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxPending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return s.seq[due[i].ID] < s.seq[due[j].ID]
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]*adapters.OutboxMessage, len(due))
	for i, msg := range due {
		attemptAt := now
		msg.Status = adapters.OutboxProcessing
		msg.Attempts++
		msg.LastAttemptAt = &attemptAt
		result[i] = copyMessage(msg)
	}
	return result, nil
}

// MarkCompleted marks messages as delivered. Unknown ids are ignored.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			processedAt := now
			msg.Status = adapters.OutboxCompleted
			msg.ProcessedAt = &processedAt
		}
	}
	return nil
}

// MarkFailed marks a message as failed with an error description.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return adapters.ErrOutboxMessageNotFound
	}
	msg.Status = adapters.OutboxFailed
	if lastErr != nil {
		msg.LastError = lastErr.Error()
	}
	return nil
}

// RetryFailed moves failed messages below maxAttempts back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, func(msg *adapters.OutboxMessage) bool {
		if msg.Status == adapters.OutboxFailed && msg.Attempts < maxAttempts {
			msg.Status = adapters.OutboxPending
			return true
		}
		return false
	})
}

// MoveToDeadLetter dead-letters failed messages that reached maxAttempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, func(msg *adapters.OutboxMessage) bool {
		if msg.Status == adapters.OutboxFailed && msg.Attempts >= maxAttempts {
			msg.Status = adapters.OutboxDeadLetter
			return true
		}
		return false
	})
}

func (s *OutboxStore) transition(ctx context.Context, apply func(*adapters.OutboxMessage) bool) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if apply(msg) {
			count++
		}
	}
	return count, nil
}

// GetDeadLetterMessages retrieves dead-lettered messages.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	return s.ByStatus(ctx, adapters.OutboxDeadLetter, limit)
}

// ByStatus returns up to limit messages with the given status, in scheduling order.
func (s *OutboxStore) ByStatus(ctx context.Context, status adapters.OutboxStatus, limit int) ([]*adapters.OutboxMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*adapters.OutboxMessage
	for _, msg := range s.messages {
		if msg.Status == status {
			result = append(result, copyMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.seq[result[i].ID] < s.seq[result[j].ID]
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Cleanup removes completed messages processed before now minus olderThan.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var count int64
	for id, msg := range s.messages {
		if msg.Status == adapters.OutboxCompleted && msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff) {
			delete(s.messages, id)
			delete(s.seq, id)
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *OutboxStore) Close() error {
	return nil
}

// Count returns the total number of messages stored.
func (s *OutboxStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CountByStatus returns the count of messages by status.
func (s *OutboxStore) CountByStatus() map[adapters.OutboxStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[adapters.OutboxStatus]int)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}
	return counts
}

func copyMessage(msg *adapters.OutboxMessage) *adapters.OutboxMessage {
	return adapters.CopyOutboxMessage(msg)
}

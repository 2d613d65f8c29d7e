package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure interface compliance at compile time
var _ adapters.SagaStore = (*SagaStore)(nil)

// SagaStore provides an in-memory implementation of adapters.SagaStore.
// This is primarily intended for testing and development purposes.
type SagaStore struct {
	mu    sync.RWMutex
	sagas map[string]*adapters.SagaState
	now   func() time.Time
}

// SagaStoreOption configures a SagaStore.
type SagaStoreOption func(*SagaStore)

// WithSagaClock sets the time source used for UpdatedAt.
func WithSagaClock(now func() time.Time) SagaStoreOption {
	return func(s *SagaStore) {
		s.now = now
	}
}

// NewSagaStore creates a new in-memory SagaStore.
func NewSagaStore(opts ...SagaStoreOption) *SagaStore {
	s := &SagaStore{
		sagas: make(map[string]*adapters.SagaState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists a saga state.
// Uses optimistic concurrency control based on the Version field.
func (s *SagaStore) Save(ctx context.Context, state *adapters.SagaState) error {
	if state == nil {
		return adapters.ErrNilSagaState
	}
	if state.ID == "" {
		return adapters.ErrEmptySagaID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	existing, exists := s.sagas[state.ID]
	var current int64
	if exists {
		current = existing.Version
	}
	if err := adapters.CheckSagaVersion(state.ID, state.Version, current, exists); err != nil {
		return err
	}

	saved := copyState(state)
	saved.UpdatedAt = s.now()
	saved.Version = state.Version + 1
	s.sagas[state.ID] = saved

	state.UpdatedAt = saved.UpdatedAt
	state.Version = saved.Version
	return nil
}

// Load retrieves a saga state by ID.
func (s *SagaStore) Load(ctx context.Context, sagaID string) (*adapters.SagaState, error) {
	if sagaID == "" {
		return nil, adapters.ErrEmptySagaID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	state, exists := s.sagas[sagaID]
	if !exists {
		return nil, &adapters.SagaNotFoundError{SagaID: sagaID}
	}
	return copyState(state), nil
}

// FindByCorrelationID returns the saga of sagaType carrying correlationID
// among its correlation keys. A running saga wins over a finished one;
// otherwise the most recently started, then updated, then highest version.
func (s *SagaStore) FindByCorrelationID(ctx context.Context, sagaType, correlationID string) (*adapters.SagaState, error) {
	if correlationID == "" {
		return nil, &adapters.SagaNotFoundError{SagaType: sagaType}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var latest *adapters.SagaState
	for _, state := range s.sagas {
		if state.Type != sagaType || !state.HasCorrelationKey(correlationID) {
			continue
		}
		if latest == nil || preferSaga(state, latest) {
			latest = state
		}
	}

	if latest == nil {
		return nil, &adapters.SagaNotFoundError{SagaType: sagaType, CorrelationID: correlationID}
	}
	return copyState(latest), nil
}

// preferSaga reports whether a ranks before b for a correlation lookup.
func preferSaga(a, b *adapters.SagaState) bool {
	if a.IsTerminal() != b.IsTerminal() {
		return !a.IsTerminal()
	}
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Version > b.Version
}

// FindByType finds all sagas of a given type with the specified statuses,
// oldest first.
func (s *SagaStore) FindByType(ctx context.Context, sagaType string, statuses ...adapters.SagaStatus) ([]*adapters.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	statusSet := make(map[adapters.SagaStatus]bool, len(statuses))
	for _, status := range statuses {
		statusSet[status] = true
	}

	var result []*adapters.SagaState
	for _, state := range s.sagas {
		if state.Type != sagaType {
			continue
		}
		if len(statuses) == 0 || statusSet[state.Status] {
			result = append(result, copyState(state))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// Delete removes a saga state.
func (s *SagaStore) Delete(ctx context.Context, sagaID string) error {
	if sagaID == "" {
		return adapters.ErrEmptySagaID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, exists := s.sagas[sagaID]; !exists {
		return &adapters.SagaNotFoundError{SagaID: sagaID}
	}
	delete(s.sagas, sagaID)
	return nil
}

// Close releases any resources (no-op for in-memory implementation).
func (s *SagaStore) Close() error {
	return nil
}

// Clear removes all sagas (useful for testing).
func (s *SagaStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas = make(map[string]*adapters.SagaState)
}

// Count returns the total number of sagas stored.
func (s *SagaStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// CountByStatus returns the count of sagas by status.
func (s *SagaStore) CountByStatus() map[adapters.SagaStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[adapters.SagaStatus]int)
	for _, state := range s.sagas {
		counts[state.Status]++
	}
	return counts
}

func copyState(state *adapters.SagaState) *adapters.SagaState {
	return adapters.CopySagaState(state)
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure interface compliance at compile time
var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore provides an in-memory implementation of adapters.IdempotencyStore.
// It does not persist data across restarts.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.IdempotencyRecord
}

// NewIdempotencyStore creates a new in-memory IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[string]*adapters.IdempotencyRecord),
	}
}

// Exists checks if a record with the given key exists and is not expired.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	record, err := s.Get(ctx, key)
	return record != nil, err
}

// Store saves an idempotency record, replacing any record with the same key.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.Key] = adapters.CopyIdempotencyRecord(record)
	return nil
}

// Get retrieves an idempotency record by key.
// Returns nil if the record doesn't exist or is expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok || record.IsExpired() {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(record), nil
}

// Delete removes an idempotency record by key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// Cleanup removes records processed before now minus olderThan, and expired ones.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for key, record := range s.records {
		if record.ProcessedAt.Before(cutoff) || record.IsExpired() {
			delete(s.records, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of records in the store.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

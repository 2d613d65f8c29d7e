// Package memory provides in-memory implementations of the stoat storage
// interfaces for tests, examples and single-process endpoints.
package memory

import (
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for the memory adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrSagaNotFound is returned when a saga does not exist.
	ErrSagaNotFound = adapters.ErrSagaNotFound
)

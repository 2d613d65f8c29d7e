package testutil

import (
	"fmt"
	"runtime"
	"testing"
)

// MockT is a testing.TB that records failures instead of failing the test.
// Fatal and FailNow end the calling goroutine, so run code that may call
// them through RunWithMockT.
type MockT struct {
	testing.TB // embed to satisfy unexported methods
	Failed_    bool
	Fatal_     bool
	Message    string
	Logs       []string
	cleanups   []func()
}

// NewMockT creates a new MockT instance.
func NewMockT() *MockT {
	return &MockT{Logs: make([]string, 0)}
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Name implements testing.TB.
func (m *MockT) Name() string { return "MockT" }

// Log implements testing.TB.
func (m *MockT) Log(args ...any) { m.Logs = append(m.Logs, fmt.Sprint(args...)) }

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {
	m.Logs = append(m.Logs, fmt.Sprintf(format, args...))
}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprint(args...)
}

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprintf(format, args...)
}

// Fail implements testing.TB.
func (m *MockT) Fail() { m.Failed_ = true }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.Failed_ = true
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool { return m.Failed_ }

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprint(args...)
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprintf(format, args...)
	runtime.Goexit()
}

// Cleanup implements testing.TB. Functions run when RunWithMockT returns.
func (m *MockT) Cleanup(fn func()) { m.cleanups = append(m.cleanups, fn) }

// RunWithMockT runs fn with a MockT on its own goroutine, so Fatal and
// FailNow stop only fn, then runs the registered cleanups.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	for i := len(mt.cleanups) - 1; i >= 0; i-- {
		mt.cleanups[i]()
	}
	return mt
}

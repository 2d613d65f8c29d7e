package testutil

import (
	"sync"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// LogEntry is one call to a RecordingLogger.
type LogEntry struct {
	Level   string
	Message string
	Args    []interface{}
}

// Field returns the value logged under key, or nil.
func (e LogEntry) Field(key string) interface{} {
	for i := 0; i+1 < len(e.Args); i += 2 {
		if k, ok := e.Args[i].(string); ok && k == key {
			return e.Args[i+1]
		}
	}
	return nil
}

// RecordingLogger is a stoat.Logger that keeps every entry.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }

func (l *RecordingLogger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Args: args})
}

// Entries returns every entry in order.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Messages returns the messages logged at level. An empty level matches all.
func (l *RecordingLogger) Messages(level string) []string {
	var out []string
	for _, e := range l.Entries() {
		if level == "" || e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Find returns the first entry with the given message.
func (l *RecordingLogger) Find(msg string) (LogEntry, bool) {
	for _, e := range l.Entries() {
		if e.Message == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}

// Contains reports whether msg was logged at level.
func (l *RecordingLogger) Contains(level, msg string) bool {
	for _, m := range l.Messages(level) {
		if m == msg {
			return true
		}
	}
	return false
}

var _ stoat.Logger = (*RecordingLogger)(nil)

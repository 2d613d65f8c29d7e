// Package assertions checks outgoing messages captured by a
// testutil.RecordingTransport: their types, destinations, headers and
// delivery times, with readable diffs when sequences differ.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/testing/testutil"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertMessageTypes checks that the records have the expected message types in order.
func AssertMessageTypes(t TB, records []testutil.Record, types ...string) {
	t.Helper()

	if len(records) != len(types) {
		t.Fatalf("Expected %d messages, got %d", len(types), len(records))
	}

	for i, expectedType := range types {
		if records[i].MessageType != expectedType {
			t.Errorf("Message %d: expected type %s, got %s", i, expectedType, records[i].MessageType)
		}
	}
}

// AssertMessage checks that a record carries exactly expected.
func AssertMessage[T any](t TB, record testutil.Record, expected T) {
	t.Helper()

	actual, ok := record.Message.(T)
	if !ok {
		t.Fatalf("Message is not of expected type %T, got %T", expected, record.Message)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Message mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// AssertContainsMessage checks that one of the records carries expected.
func AssertContainsMessage[T any](t TB, records []testutil.Record, expected T) {
	t.Helper()

	if CountMatches(records, MatchMessage(expected)) == 0 {
		t.Errorf("Messages do not contain expected message: %+v", expected)
	}
}

// AssertNoMessages checks that nothing was recorded.
func AssertNoMessages(t TB, records []testutil.Record) {
	t.Helper()

	if len(records) > 0 {
		t.Errorf("Expected no messages, got %d: %+v", len(records), Messages(records))
	}
}

// AssertDestination checks where a record was sent.
func AssertDestination(t TB, record testutil.Record, destination string) {
	t.Helper()

	if record.Destination != destination {
		t.Errorf("%s: expected destination %q, got %q", record.MessageType, destination, record.Destination)
	}
}

// AssertHeader checks one header of a record.
func AssertHeader(t TB, record testutil.Record, key, value string) {
	t.Helper()

	actual, ok := record.Headers.Lookup(key)
	if !ok {
		t.Errorf("%s: header %s is missing", record.MessageType, key)
		return
	}
	if actual != value {
		t.Errorf("%s: header %s expected %q, got %q", record.MessageType, key, value, actual)
	}
}

// AssertSagaAddressed checks that a record is addressed to the saga instance
// sagaID of type sagaType.
func AssertSagaAddressed(t TB, record testutil.Record, sagaType, sagaID string) {
	t.Helper()

	AssertHeader(t, record, stoat.HeaderSagaType, sagaType)
	AssertHeader(t, record, stoat.HeaderSagaID, sagaID)
}

// AssertTimeout checks that a record is a saga timeout sent back to the
// endpoint and deliverable at at.
func AssertTimeout(t TB, record testutil.Record, at time.Time) {
	t.Helper()

	if !record.ToThisEndpoint() {
		t.Errorf("%s: expected a send to this endpoint", record.MessageType)
	}
	AssertHeader(t, record, stoat.HeaderIsSagaTimeout, "true")
	if !record.DeliverAt.Equal(at) {
		t.Errorf("%s: expected delivery at %s, got %s", record.MessageType, at, record.DeliverAt)
	}
}

// Messages returns the message of every record.
func Messages(records []testutil.Record) []interface{} {
	out := make([]interface{}, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

// MessageDiff represents a difference between expected and actual messages.
type MessageDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected message was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected message was present.
	DiffExtra
	// DiffMismatch indicates message data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffMessages compares two message slices position by position.
func DiffMessages(expected, actual []interface{}) []MessageDiff {
	var diffs []MessageDiff

	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}

	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, MessageDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, MessageDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i]):
			diffs = append(diffs, MessageDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats message diffs as a human-readable string.
func FormatDiffs(diffs []MessageDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Message differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Message %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %s %+v (unexpected)\n", stoat.MessageTypeOf(diff.Actual), diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %s %+v (missing)\n", stoat.MessageTypeOf(diff.Expected), diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %s %+v\n", stoat.MessageTypeOf(diff.Expected), diff.Expected)
			fmt.Fprintf(&buf, "    + %s %+v\n", stoat.MessageTypeOf(diff.Actual), diff.Actual)
		}
	}
	return buf.String()
}

// AssertMessagesEqual compares the recorded messages with expected and
// reports every difference.
func AssertMessagesEqual(t TB, expected []interface{}, records []testutil.Record) {
	t.Helper()

	if diffs := DiffMessages(expected, Messages(records)); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// Matcher selects records.
type Matcher func(r testutil.Record) bool

// MatchType matches records of a message type.
func MatchType(messageType string) Matcher {
	return func(r testutil.Record) bool { return r.MessageType == messageType }
}

// MatchDestination matches records sent to destination.
func MatchDestination(destination string) Matcher {
	return func(r testutil.Record) bool { return r.Destination == destination }
}

// MatchKind matches records of a kind.
func MatchKind(kind testutil.RecordKind) Matcher {
	return func(r testutil.Record) bool { return r.Kind == kind }
}

// MatchHeader matches records carrying header key with value.
func MatchHeader(key, value string) Matcher {
	return func(r testutil.Record) bool {
		v, ok := r.Headers.Lookup(key)
		return ok && v == value
	}
}

// MatchMessage matches records carrying exactly expected.
func MatchMessage[T any](expected T) Matcher {
	return func(r testutil.Record) bool {
		actual, ok := r.Message.(T)
		return ok && reflect.DeepEqual(actual, expected)
	}
}

// All matches records accepted by every matcher.
func All(matchers ...Matcher) Matcher {
	return func(r testutil.Record) bool {
		for _, m := range matchers {
			if !m(r) {
				return false
			}
		}
		return true
	}
}

// AssertAnyMatch checks that at least one record matches.
func AssertAnyMatch(t TB, records []testutil.Record, matcher Matcher) {
	t.Helper()

	if CountMatches(records, matcher) == 0 {
		t.Error("No message matched the criteria")
	}
}

// AssertNoneMatch checks that no record matches.
func AssertNoneMatch(t TB, records []testutil.Record, matcher Matcher) {
	t.Helper()

	for i, r := range records {
		if matcher(r) {
			t.Errorf("Message %d unexpectedly matched: %+v", i, r.Message)
		}
	}
}

// CountMatches returns the number of matching records.
func CountMatches(records []testutil.Record, matcher Matcher) int {
	count := 0
	for _, r := range records {
		if matcher(r) {
			count++
		}
	}
	return count
}

// Filter returns the matching records.
func Filter(records []testutil.Record, matcher Matcher) []testutil.Record {
	var out []testutil.Record
	for _, r := range records {
		if matcher(r) {
			out = append(out, r)
		}
	}
	return out
}

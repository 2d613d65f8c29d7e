package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/google/uuid"
)

// ScheduledEntry is one message handed to a FakeScheduler.
type ScheduledEntry struct {
	Token       uuid.UUID
	At          time.Time
	Message     interface{}
	MessageType string
	// Destination is empty for sends to this endpoint and for publishes.
	Destination string
	Publish     bool
	// Headers include the scheduling token header.
	Headers   stoat.Headers
	Cancelled bool
}

// ToThisEndpoint reports whether the entry is delivered to the scheduling endpoint.
func (e ScheduledEntry) ToThisEndpoint() bool {
	return !e.Publish && e.Destination == ""
}

// Envelope wraps the scheduled message as an inbound envelope.
func (e ScheduledEntry) Envelope() *stoat.Envelope {
	return stoat.NewEnvelope(e.Message, e.Headers)
}

// FakeScheduler is an in-memory stoat.MessageScheduler. Nothing is delivered
// on its own: tests take due entries with TakeDue and dispatch them.
type FakeScheduler struct {
	mu        sync.Mutex
	entries   []*ScheduledEntry
	guarantee stoat.CancellationGuarantee
	err       error
}

// FakeSchedulerOption configures a FakeScheduler.
type FakeSchedulerOption func(*FakeScheduler)

// WithGuarantee sets the cancellation guarantee. With CancellationBestEffort
// cancelled entries are still returned by TakeDue.
func WithGuarantee(g stoat.CancellationGuarantee) FakeSchedulerOption {
	return func(s *FakeScheduler) {
		s.guarantee = g
	}
}

// NewFakeScheduler creates a FakeScheduler with guaranteed cancellation.
func NewFakeScheduler(opts ...FakeSchedulerOption) *FakeScheduler {
	s := &FakeScheduler{guarantee: stoat.CancellationGuaranteed}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWith makes every following scheduling call return err.
func (s *FakeScheduler) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ScheduleSend schedules msg for this endpoint.
func (s *FakeScheduler) ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	return s.schedule("", false, at, msg, opts)
}

// ScheduleSendTo schedules msg for destination.
func (s *FakeScheduler) ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	return s.schedule(destination, false, at, msg, opts)
}

// SchedulePublish schedules a publish of msg.
func (s *FakeScheduler) SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	return s.schedule("", true, at, msg, opts)
}

func (s *FakeScheduler) schedule(destination string, publish bool, at time.Time, msg interface{}, opts []stoat.SendOption) (*stoat.ScheduledMessage, error) {
	if msg == nil {
		return nil, stoat.ErrNilMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	token := uuid.New()
	headers := stoat.BuildOptions(opts...).Headers()
	headers[stoat.HeaderSchedulingTokenID] = token.String()

	s.entries = append(s.entries, &ScheduledEntry{
		Token:       token,
		At:          at,
		Message:     msg,
		MessageType: stoat.MessageTypeOf(msg),
		Destination: destination,
		Publish:     publish,
		Headers:     headers,
	})
	return &stoat.ScheduledMessage{
		TokenID:       token,
		ScheduledTime: at,
		PayloadType:   stoat.MessageTypeOf(msg),
		Payload:       msg,
		Destination:   destination,
	}, nil
}

// CancelScheduledSend marks the entry with tokenID cancelled. Unknown tokens are ignored.
func (s *FakeScheduler) CancelScheduledSend(_ context.Context, tokenID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Token == tokenID {
			e.Cancelled = true
		}
	}
	return nil
}

// CancelScheduledPublish marks the entry with tokenID cancelled.
func (s *FakeScheduler) CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error {
	return s.CancelScheduledSend(ctx, tokenID)
}

// Guarantee returns the configured cancellation guarantee.
func (s *FakeScheduler) Guarantee() stoat.CancellationGuarantee {
	return s.guarantee
}

// Scheduled returns every entry still held, cancelled or not.
func (s *FakeScheduler) Scheduled() []ScheduledEntry {
	return s.filter(func(*ScheduledEntry) bool { return true })
}

// Pending returns the entries that are not cancelled.
func (s *FakeScheduler) Pending() []ScheduledEntry {
	return s.filter(func(e *ScheduledEntry) bool { return !e.Cancelled })
}

// Cancelled returns the cancelled entries.
func (s *FakeScheduler) Cancelled() []ScheduledEntry {
	return s.filter(func(e *ScheduledEntry) bool { return e.Cancelled })
}

// TakeDue removes the entries due at now and returns the deliverable ones
// ordered by time. Cancelled entries are dropped unless the guarantee is
// best effort.
func (s *FakeScheduler) TakeDue(now time.Time) []ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []ScheduledEntry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.At.After(now) {
			kept = append(kept, e)
			continue
		}
		if !e.Cancelled || s.guarantee == stoat.CancellationBestEffort {
			due = append(due, *e)
		}
	}
	s.entries = kept
	sort.SliceStable(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	return due
}

// Reset forgets every entry.
func (s *FakeScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *FakeScheduler) filter(keep func(*ScheduledEntry) bool) []ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

var _ stoat.MessageScheduler = (*FakeScheduler)(nil)

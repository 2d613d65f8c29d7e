package stoat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Shared saga and message types used across the package tests.

type orderSaga struct {
	InstanceBase
	OrderID       string     `json:"orderId"`
	Total         int        `json:"total"`
	Steps         []string   `json:"steps,omitempty"`
	ReminderToken *uuid.UUID `json:"reminderToken,omitempty"`
}

func (s *orderSaga) step(name string) { s.Steps = append(s.Steps, name) }

type orderSubmitted struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

type orderPaid struct {
	OrderID string `json:"orderId"`
}

type orderCancelled struct {
	OrderID string `json:"orderId"`
}

type paymentReminder struct {
	OrderID string `json:"orderId"`
}

type paymentOverdue struct {
	OrderID string `json:"orderId"`
}

type orderAccepted struct {
	OrderID string `json:"orderId"`
}

// naturalMessage carries its own correlation identity.
type naturalMessage struct {
	Ref string
}

func (m naturalMessage) CorrelationID() string { return m.Ref }

// sentMessage is one call recorded by recordingTransport.
type sentMessage struct {
	kind        string
	msg         interface{}
	opts        *Options
	destination string
}

// recordingTransport records outgoing messages instead of delivering them.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	failErr error
}

func (t *recordingTransport) record(kind string, msg interface{}, opts *Options, destination string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failErr != nil {
		return t.failErr
	}
	if opts == nil {
		opts = NewOptions()
	}
	t.sent = append(t.sent, sentMessage{kind: kind, msg: msg, opts: opts, destination: destination})
	return nil
}

func (t *recordingTransport) Send(ctx context.Context, msg interface{}, opts *Options) error {
	dest := ""
	if opts != nil {
		dest = opts.Destination()
	}
	return t.record("send", msg, opts, dest)
}

func (t *recordingTransport) Publish(ctx context.Context, msg interface{}, opts *Options) error {
	return t.record("publish", msg, opts, "")
}

func (t *recordingTransport) Forward(ctx context.Context, env *Envelope, destination string) error {
	return t.record("forward", env.Message, nil, destination)
}

func (t *recordingTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *recordingTransport) byKind(kind string) []sentMessage {
	var out []sentMessage
	for _, m := range t.messages() {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// plainTransport has no Forward method.
type plainTransport struct{}

func (plainTransport) Send(context.Context, interface{}, *Options) error    { return nil }
func (plainTransport) Publish(context.Context, interface{}, *Options) error { return nil }

// fakeScheduler records scheduling calls.
type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*ScheduledMessage
	options   []*Options
	cancelled []uuid.UUID
	guarantee CancellationGuarantee
	failErr   error
}

func (s *fakeScheduler) add(destination string, at time.Time, msg interface{}, opts []SendOption) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	sm := &ScheduledMessage{
		TokenID:       uuid.New(),
		ScheduledTime: at,
		PayloadType:   MessageTypeOf(msg),
		Payload:       msg,
		Destination:   destination,
	}
	s.scheduled = append(s.scheduled, sm)
	s.options = append(s.options, BuildOptions(opts...))
	return sm, nil
}

func (s *fakeScheduler) ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	return s.add("", at, msg, opts)
}

func (s *fakeScheduler) ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	return s.add(destination, at, msg, opts)
}

func (s *fakeScheduler) SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error) {
	return s.add("", at, msg, opts)
}

func (s *fakeScheduler) CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, tokenID)
	return nil
}

func (s *fakeScheduler) CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error {
	return s.CancelScheduledSend(ctx, tokenID)
}

func (s *fakeScheduler) Guarantee() CancellationGuarantee { return s.guarantee }

// recordingLogger keeps the messages it was given.
type recordingLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	warns  []string
	errors []string
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *recordingLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

// fixedClock returns a clock frozen at t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// inbound builds the message context of msg received with headers.
func inbound(transport Transport, msg interface{}, headers Headers) MessageContext {
	env := NewEnvelope(msg, headers)
	if env.ID == "" {
		env.ID = "msg-1"
	}
	return NewMessageContext(transport, env, "")
}

func byOrderID[M interface{ orderKey() string }]() func(M) string {
	return func(m M) string { return m.orderKey() }
}

func (m orderSubmitted) orderKey() string  { return m.OrderID }
func (m orderPaid) orderKey() string       { return m.OrderID }
func (m orderCancelled) orderKey() string  { return m.OrderID }
func (m paymentReminder) orderKey() string { return m.OrderID }
func (m paymentOverdue) orderKey() string  { return m.OrderID }

func sagaOrderID(s *orderSaga) string { return s.OrderID }

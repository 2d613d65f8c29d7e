package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// RecordKind tells how a message left the endpoint.
type RecordKind string

const (
	KindSend    RecordKind = "send"
	KindPublish RecordKind = "publish"
	KindForward RecordKind = "forward"
)

// Record is one message handed to a RecordingTransport.
type Record struct {
	Kind        RecordKind
	Message     interface{}
	MessageType string
	// Destination is empty for publishes and for sends routed to this endpoint.
	Destination string
	Headers     stoat.Headers
	Options     *stoat.Options
	// DeliverAt is when the message becomes deliverable.
	DeliverAt time.Time
}

// ToThisEndpoint reports whether the record is a send back to the sending endpoint.
func (r Record) ToThisEndpoint() bool {
	return r.Kind == KindSend && r.Options != nil && r.Options.RoutesToThisEndpoint()
}

// Deferred reports whether delivery was deferred.
func (r Record) Deferred() bool {
	return r.Options != nil && r.Options.IsDeferred()
}

// Envelope wraps the recorded message as an inbound envelope.
func (r Record) Envelope() *stoat.Envelope {
	return stoat.NewEnvelope(r.Message, r.Headers)
}

// RecordingTransport is a stoat.Transport and stoat.Forwarder that records
// every outgoing message instead of delivering it.
type RecordingTransport struct {
	mu      sync.Mutex
	records []Record
	err     error
	now     func() time.Time
}

// TransportOption configures a RecordingTransport.
type TransportOption func(*RecordingTransport)

// WithTransportClock sets the time source used to resolve relative delays.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *RecordingTransport) {
		t.now = now
	}
}

// NewRecordingTransport creates an empty RecordingTransport.
func NewRecordingTransport(opts ...TransportOption) *RecordingTransport {
	t := &RecordingTransport{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailWith makes every following call return err. A nil err restores success.
func (t *RecordingTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Send records a send.
func (t *RecordingTransport) Send(_ context.Context, msg interface{}, opts *stoat.Options) error {
	if opts == nil {
		opts = stoat.NewOptions()
	}
	return t.record(Record{
		Kind:        KindSend,
		Message:     msg,
		MessageType: stoat.MessageTypeOf(msg),
		Destination: opts.Destination(),
		Headers:     opts.Headers(),
		Options:     opts,
	})
}

// Publish records a publish.
func (t *RecordingTransport) Publish(_ context.Context, msg interface{}, opts *stoat.Options) error {
	if opts == nil {
		opts = stoat.NewOptions()
	}
	return t.record(Record{
		Kind:        KindPublish,
		Message:     msg,
		MessageType: stoat.MessageTypeOf(msg),
		Headers:     opts.Headers(),
		Options:     opts,
	})
}

// Forward records a forwarded inbound envelope.
func (t *RecordingTransport) Forward(_ context.Context, env *stoat.Envelope, destination string) error {
	return t.record(Record{
		Kind:        KindForward,
		Message:     env.Message,
		MessageType: env.MessageType,
		Destination: destination,
		Headers:     env.Headers.Clone(),
	})
}

func (t *RecordingTransport) record(r Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	now := t.now()
	r.DeliverAt = now
	if r.Options != nil {
		r.DeliverAt = r.Options.DeliveryTime(now)
	}
	t.records = append(t.records, r)
	return nil
}

// All returns every record in order.
func (t *RecordingTransport) All() []Record {
	return t.filter(func(Record) bool { return true })
}

// Sent returns the sends.
func (t *RecordingTransport) Sent() []Record {
	return t.filter(func(r Record) bool { return r.Kind == KindSend })
}

// Published returns the publishes.
func (t *RecordingTransport) Published() []Record {
	return t.filter(func(r Record) bool { return r.Kind == KindPublish })
}

// Forwarded returns the forwarded envelopes.
func (t *RecordingTransport) Forwarded() []Record {
	return t.filter(func(r Record) bool { return r.Kind == KindForward })
}

// Messages returns the recorded messages in order.
func (t *RecordingTransport) Messages() []interface{} {
	all := t.All()
	out := make([]interface{}, len(all))
	for i, r := range all {
		out[i] = r.Message
	}
	return out
}

// TakeDue removes and returns the deferred sends to this endpoint that are
// deliverable at now, ordered by delivery time.
func (t *RecordingTransport) TakeDue(now time.Time) []Record {
	return t.take(func(r Record) bool {
		return r.ToThisEndpoint() && r.Deferred() && !r.DeliverAt.After(now)
	})
}

// TakeDeferred removes and returns every deferred send to this endpoint,
// ordered by delivery time.
func (t *RecordingTransport) TakeDeferred() []Record {
	return t.take(func(r Record) bool { return r.ToThisEndpoint() && r.Deferred() })
}

func (t *RecordingTransport) take(match func(Record) bool) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var taken []Record
	kept := t.records[:0]
	for _, r := range t.records {
		if match(r) {
			taken = append(taken, r)
			continue
		}
		kept = append(kept, r)
	}
	t.records = kept
	sort.SliceStable(taken, func(i, j int) bool { return taken[i].DeliverAt.Before(taken[j].DeliverAt) })
	return taken
}

// Len returns the number of records.
func (t *RecordingTransport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Reset forgets every record.
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

func (t *RecordingTransport) filter(keep func(Record) bool) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// NewMessageContext returns a message context for msg whose outgoing
// messages are captured by the returned transport.
func NewMessageContext(msg interface{}, headers stoat.Headers, opts ...TransportOption) (stoat.MessageContext, *RecordingTransport) {
	transport := NewRecordingTransport(opts...)
	return stoat.NewMessageContext(transport, stoat.NewEnvelope(msg, headers), ""), transport
}

var (
	_ stoat.Transport = (*RecordingTransport)(nil)
	_ stoat.Forwarder = (*RecordingTransport)(nil)
)

package stoat

import (
	"fmt"
	"reflect"
)

// Well-known header keys.
const (
	// HeaderSchedulingTokenID carries the token of a scheduled message across deferred delivery.
	HeaderSchedulingTokenID = "Stoat.SchedulingTokenId"

	// HeaderMessageID is the unique id of a message.
	HeaderMessageID = "Stoat.MessageId"

	// HeaderMessageType is the type name used to deserialize the body.
	HeaderMessageType = "Stoat.MessageType"

	// HeaderCorrelationID links a reply to the message it answers.
	HeaderCorrelationID = "Stoat.CorrelationId"

	// HeaderReplyToAddress is where replies to a message are sent.
	HeaderReplyToAddress = "Stoat.ReplyToAddress"

	// HeaderTimeSent is the RFC 3339 time the message was sent.
	HeaderTimeSent = "Stoat.TimeSent"

	// HeaderSagaID addresses a message to one saga instance.
	HeaderSagaID = "Stoat.SagaId"

	// HeaderSagaType names the saga HeaderSagaID belongs to.
	HeaderSagaType = "Stoat.SagaType"

	// HeaderIsSagaTimeout marks a message produced by a timeout request.
	HeaderIsSagaTimeout = "Stoat.IsSagaTimeoutMessage"

	// HeaderOriginatingSagaID is the saga that sent a message.
	HeaderOriginatingSagaID = "Stoat.OriginatingSagaId"

	// HeaderOriginatingSagaType is the type of the saga that sent a message.
	HeaderOriginatingSagaType = "Stoat.OriginatingSagaType"
)

// Headers is the string header bag that travels with a message.
type Headers map[string]string

// Get returns the value for key, or "" when absent.
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Lookup returns the value for key and whether it is present.
func (h Headers) Lookup(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[key]
	return v, ok
}

// Clone returns a copy of the headers. Cloning nil returns an empty bag.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Typed lets a message choose its own type name.
type Typed interface {
	MessageType() string
}

// CorrelatedBy is implemented by messages that carry their own correlation identity.
type CorrelatedBy interface {
	CorrelationID() string
}

// Validator is implemented by messages that can check themselves before dispatch.
type Validator interface {
	Validate() error
}

// MessageTypeOf returns the type name of msg: its MessageType() when it
// implements Typed, otherwise the name of its (dereferenced) Go type.
func MessageTypeOf(msg interface{}) string {
	if msg == nil {
		return ""
	}
	if t, ok := msg.(Typed); ok {
		if v := reflect.ValueOf(msg); v.Kind() != reflect.Ptr || !v.IsNil() {
			return t.MessageType()
		}
	}
	return typeName(reflect.TypeOf(msg))
}

// messageTypeFor returns the type name for messages of type M.
func messageTypeFor[M any]() string {
	t := reflect.TypeOf((*M)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		return MessageTypeOf(reflect.New(t.Elem()).Interface())
	}
	return MessageTypeOf(reflect.Zero(t).Interface())
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// asMessage converts a dispatched message to M, accepting both M and *M.
// When M is a pointer type, a value of its element type is accepted too:
// serializers always decode to values.
func asMessage[M any](msg interface{}) (M, bool) {
	if m, ok := msg.(M); ok {
		return m, true
	}
	if p, ok := msg.(*M); ok && p != nil {
		return *p, true
	}
	var zero M
	if msg == nil {
		return zero, false
	}
	if mt := reflect.TypeOf((*M)(nil)).Elem(); mt.Kind() == reflect.Ptr && reflect.TypeOf(msg) == mt.Elem() {
		p := reflect.New(mt.Elem())
		p.Elem().Set(reflect.ValueOf(msg))
		return p.Interface().(M), true
	}
	return zero, false
}

// Envelope is an inbound message with its transport metadata.
// Either Message or Body (with MessageType) must be set.
type Envelope struct {
	ID          string
	MessageType string
	Message     interface{}
	Body        []byte
	Headers     Headers
}

// NewEnvelope wraps msg. The message id and type are taken from headers when present.
func NewEnvelope(msg interface{}, headers Headers) *Envelope {
	h := headers.Clone()
	env := &Envelope{
		ID:          h.Get(HeaderMessageID),
		MessageType: h.Get(HeaderMessageType),
		Message:     msg,
		Headers:     h,
	}
	if env.MessageType == "" {
		env.MessageType = MessageTypeOf(msg)
	}
	return env
}

// String returns a short description for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s(%s)", e.MessageType, e.ID)
}

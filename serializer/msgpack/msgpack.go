// Package msgpack provides MessagePack encodings for stoat.
//
// Serializer implements stoat.Serializer for message payloads and Codec
// implements stoat.InstanceCodec for persisted saga instances. Both produce
// smaller payloads than JSON.
//
//	serializer := msgpack.NewSerializer()
//	serializer.RegisterAll(OrderSubmitted{}, OrderPaid{})
//
//	d := stoat.NewDispatcher(
//		stoat.WithSerializer(serializer),
//		stoat.WithInstanceCodec(msgpack.Codec{}),
//	)
package msgpack

import (
	"errors"
	"reflect"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer is a MessagePack implementation of stoat.Serializer.
type Serializer struct {
	registry *stoat.MessageRegistry
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares registry with other serializers.
func WithRegistry(registry *stoat.MessageRegistry) SerializerOption {
	return func(s *Serializer) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: stoat.NewMessageRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register maps messageType to the Go type of example.
func (s *Serializer) Register(messageType string, example interface{}) {
	s.registry.Register(messageType, example)
}

// RegisterAll registers examples under their stoat message type names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying registry.
func (s *Serializer) Registry() *stoat.MessageRegistry {
	return s.registry
}

// Serialize converts a message to MessagePack bytes.
func (s *Serializer) Serialize(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, stoat.NewSerializationError("nil", "serialize", stoat.ErrNilMessage)
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, stoat.NewSerializationError(stoat.MessageTypeOf(msg), "serialize", err)
	}
	return data, nil
}

// Deserialize converts MessagePack bytes to a value of the registered type.
func (s *Serializer) Deserialize(data []byte, messageType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, stoat.NewSerializationError(messageType, "deserialize", errors.New("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(messageType)
	if !ok {
		return nil, &stoat.MessageTypeNotRegisteredError{MessageType: messageType}
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, stoat.NewSerializationError(messageType, "deserialize", err)
	}

	// Return the value (not pointer)
	return ptr.Elem().Interface(), nil
}

// Codec is a MessagePack implementation of stoat.InstanceCodec.
type Codec struct{}

// Marshal encodes inst.
func (Codec) Marshal(inst stoat.Instance) ([]byte, error) {
	if inst == nil {
		return nil, stoat.ErrNilInstance
	}
	data, err := msgpack.Marshal(inst)
	if err != nil {
		return nil, stoat.NewSerializationError(reflect.TypeOf(inst).String(), "marshal", err)
	}
	return data, nil
}

// Unmarshal decodes data into inst.
func (Codec) Unmarshal(data []byte, inst stoat.Instance) error {
	if inst == nil {
		return stoat.ErrNilInstance
	}
	if err := msgpack.Unmarshal(data, inst); err != nil {
		return stoat.NewSerializationError(reflect.TypeOf(inst).String(), "unmarshal", err)
	}
	return nil
}

var (
	_ stoat.Serializer    = (*Serializer)(nil)
	_ stoat.InstanceCodec = Codec{}
)

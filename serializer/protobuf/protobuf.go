// Package protobuf provides a Protocol Buffers serializer for stoat messages.
//
// Usage:
//
//	s := protobuf.NewSerializer()
//	s.MustRegister("orders.v1.OrderSubmitted", &pb.OrderSubmitted{})
//
//	d := stoat.NewDispatcher(stoat.WithSerializer(s))
//
// Only types implementing proto.Message can be registered or serialized.
// Deserialize returns pointers, the way generated protobuf code expects to be
// used, so saga events bind to *pb.OrderSubmitted.
package protobuf

import (
	"errors"
	"reflect"
	"sort"
	"sync"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"google.golang.org/protobuf/proto"
)

// ErrNotProtoMessage indicates the message does not implement proto.Message.
var ErrNotProtoMessage = errors.New("stoat/protobuf: message must implement proto.Message")

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// SerializerOption configures the Serializer.
type SerializerOption func(*Serializer)

// WithRegistry initializes the serializer with message type names mapped to
// proto.Message element types.
func WithRegistry(registry map[string]reflect.Type) SerializerOption {
	return func(s *Serializer) {
		for name, typ := range registry {
			s.registry[name] = typ
		}
	}
}

// Serializer implements stoat.Serializer using Protocol Buffers.
type Serializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type
}

// NewSerializer creates a serializer with the given options.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{
		registry: make(map[string]reflect.Type),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register maps messageType to the Go type of example, which must implement
// proto.Message. An existing registration is overwritten.
func (s *Serializer) Register(messageType string, example interface{}) error {
	if example == nil {
		return stoat.NewSerializationError(messageType, "register", stoat.ErrNilMessage)
	}
	typ := reflect.TypeOf(example)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if !reflect.PtrTo(typ).Implements(protoMessageType) {
		return stoat.NewSerializationError(messageType, "register", ErrNotProtoMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[messageType] = typ
	return nil
}

// RegisterAll registers examples under their stoat message type names.
func (s *Serializer) RegisterAll(examples ...interface{}) error {
	for _, example := range examples {
		if err := s.Register(stoat.MessageTypeOf(example), example); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers a message type and panics on error.
func (s *Serializer) MustRegister(messageType string, example interface{}) {
	if err := s.Register(messageType, example); err != nil {
		panic(err)
	}
}

// Lookup returns the registered type for messageType.
func (s *Serializer) Lookup(messageType string) (reflect.Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typ, ok := s.registry[messageType]
	return typ, ok
}

// RegisteredTypes returns the registered message type names, sorted.
func (s *Serializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.registry))
	for name := range s.registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Serialize converts a proto.Message to its binary encoding.
func (s *Serializer) Serialize(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, stoat.NewSerializationError("nil", "serialize", stoat.ErrNilMessage)
	}

	pm, ok := msg.(proto.Message)
	if !ok {
		return nil, stoat.NewSerializationError(stoat.MessageTypeOf(msg), "serialize", ErrNotProtoMessage)
	}

	data, err := proto.Marshal(pm)
	if err != nil {
		return nil, stoat.NewSerializationError(stoat.MessageTypeOf(msg), "serialize", err)
	}
	return data, nil
}

// Deserialize decodes data into a new value of the registered type and
// returns it as a pointer. Empty data is the valid encoding of a message with
// all default values.
func (s *Serializer) Deserialize(data []byte, messageType string) (interface{}, error) {
	if data == nil {
		return nil, stoat.NewSerializationError(messageType, "deserialize", errors.New("data cannot be nil"))
	}

	typ, ok := s.Lookup(messageType)
	if !ok {
		return nil, &stoat.MessageTypeNotRegisteredError{MessageType: messageType}
	}

	pm := reflect.New(typ).Interface().(proto.Message)
	if err := proto.Unmarshal(data, pm); err != nil {
		return nil, stoat.NewSerializationError(messageType, "deserialize", err)
	}
	return pm, nil
}

var _ stoat.Serializer = (*Serializer)(nil)

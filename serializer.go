package stoat

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
)

// Serializer converts messages to and from bytes.
type Serializer interface {
	// Serialize converts a message to bytes.
	Serialize(msg interface{}) ([]byte, error)

	// Deserialize converts bytes back to a message of the named type.
	Deserialize(data []byte, messageType string) (interface{}, error)
}

// MessageRegistry maps message type names to Go types.
type MessageRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewMessageRegistry creates a new empty MessageRegistry.
func NewMessageRegistry() *MessageRegistry {
	return &MessageRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register maps messageType to the Go type of example. Pointers are dereferenced.
func (r *MessageRegistry) Register(messageType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[messageType] = t
}

// RegisterAll registers examples under their MessageTypeOf names.
func (r *MessageRegistry) RegisterAll(examples ...interface{}) {
	for _, example := range examples {
		r.Register(MessageTypeOf(example), example)
	}
}

// Lookup returns the Go type for messageType.
func (r *MessageRegistry) Lookup(messageType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[messageType]
	return t, ok
}

// RegisteredTypes returns the registered type names, sorted.
func (r *MessageRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct {
	registry *MessageRegistry
}

// NewJSONSerializer creates a JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return NewJSONSerializerWithRegistry(nil)
}

// NewJSONSerializerWithRegistry creates a JSONSerializer sharing registry.
func NewJSONSerializerWithRegistry(registry *MessageRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewMessageRegistry()
	}
	return &JSONSerializer{registry: registry}
}

// Register adds a message type to the registry.
func (s *JSONSerializer) Register(messageType string, example interface{}) {
	s.registry.Register(messageType, example)
}

// RegisterAll registers examples under their MessageTypeOf names.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying MessageRegistry.
func (s *JSONSerializer) Registry() *MessageRegistry {
	return s.registry
}

// Serialize converts a message to JSON.
func (s *JSONSerializer) Serialize(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, NewSerializationError("nil", "serialize", ErrNilMessage)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, NewSerializationError(MessageTypeOf(msg), "serialize", err)
	}
	return data, nil
}

// Deserialize converts JSON to a value of the registered type.
func (s *JSONSerializer) Deserialize(data []byte, messageType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, NewSerializationError(messageType, "deserialize", errors.New("data cannot be empty"))
	}
	t, ok := s.registry.Lookup(messageType)
	if !ok {
		return nil, &MessageTypeNotRegisteredError{MessageType: messageType}
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(messageType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// InstanceCodec persists saga instances as bytes.
type InstanceCodec interface {
	Marshal(inst Instance) ([]byte, error)
	Unmarshal(data []byte, inst Instance) error
}

// JSONCodec is the default InstanceCodec.
type JSONCodec struct{}

// Marshal encodes inst as JSON.
func (JSONCodec) Marshal(inst Instance) ([]byte, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, NewSerializationError(typeName(reflect.TypeOf(inst)), "marshal", err)
	}
	return data, nil
}

// Unmarshal decodes JSON into inst.
func (JSONCodec) Unmarshal(data []byte, inst Instance) error {
	if err := json.Unmarshal(data, inst); err != nil {
		return NewSerializationError(typeName(reflect.TypeOf(inst)), "unmarshal", err)
	}
	return nil
}

var (
	_ Serializer    = (*JSONSerializer)(nil)
	_ InstanceCodec = JSONCodec{}
)

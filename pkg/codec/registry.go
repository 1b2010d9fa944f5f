package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds the serializers a runtime may use. Lookups happen on two
// axes: outbound payloads are matched by their dynamic Go type, inbound wire
// frames by (type name, content type). Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byName   map[nameKey]Serializer
	byGoType map[reflect.Type]Serializer
}

type nameKey struct {
	typeName    string
	contentType string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[nameKey]Serializer),
		byGoType: make(map[reflect.Type]Serializer),
	}
}

// Register adds a serializer. The (type name, content type) pair must be
// unused. When several serializers cover the same Go type (e.g. JSON and
// protobuf), the first registered one wins for outbound marshaling.
func (r *Registry) Register(s Serializer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey{s.TypeName(), s.ContentType()}
	if _, exists := r.byName[key]; exists {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateSerializer, s.TypeName(), s.ContentType())
	}
	r.byName[key] = s
	if _, exists := r.byGoType[s.GoType()]; !exists {
		r.byGoType[s.GoType()] = s
	}
	return nil
}

// ForPayload returns the serializer for an outbound payload value.
func (r *Registry) ForPayload(v any) (Serializer, error) {
	t := reflect.TypeOf(v)
	r.mu.RLock()
	s, ok := r.byGoType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoSerializer, v)
	}
	return s, nil
}

// ForWire returns the serializer for an inbound wire frame.
func (r *Registry) ForWire(typeName, contentType string) (Serializer, error) {
	r.mu.RLock()
	s, ok := r.byName[nameKey{typeName, contentType}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoSerializer, typeName, contentType)
	}
	return s, nil
}

// Marshal encodes an outbound payload, returning the bytes plus the wire
// identity the frame must carry.
func (r *Registry) Marshal(v any) (data []byte, typeName, contentType string, err error) {
	s, err := r.ForPayload(v)
	if err != nil {
		return nil, "", "", err
	}
	data, err = s.Marshal(v)
	if err != nil {
		return nil, "", "", err
	}
	return data, s.TypeName(), s.ContentType(), nil
}

// Unmarshal decodes an inbound wire frame into a payload value.
func (r *Registry) Unmarshal(data []byte, typeName, contentType string) (any, error) {
	s, err := r.ForWire(typeName, contentType)
	if err != nil {
		return nil, err
	}
	return s.Unmarshal(data)
}

// defaultRegistry serves runtimes that are not handed an explicit one.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds a serializer to the process-wide registry.
func Register(s Serializer) error { return defaultRegistry.Register(s) }

// MustRegister is Register for program init paths where a duplicate is a bug.
func MustRegister(s Serializer) {
	if err := defaultRegistry.Register(s); err != nil {
		panic(err)
	}
}

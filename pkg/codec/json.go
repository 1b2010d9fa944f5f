package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type jsonSerializer[T any] struct {
	typeName string
	goType   reflect.Type
}

// JSON builds a Serializer that encodes T as JSON under the given wire name.
func JSON[T any](typeName string) Serializer {
	return &jsonSerializer[T]{
		typeName: typeName,
		goType:   reflect.TypeOf((*T)(nil)).Elem(),
	}
}

func (s *jsonSerializer[T]) TypeName() string     { return s.typeName }
func (s *jsonSerializer[T]) ContentType() string  { return ContentTypeJSON }
func (s *jsonSerializer[T]) GoType() reflect.Type { return s.goType }

func (s *jsonSerializer[T]) Marshal(v any) ([]byte, error) {
	typed, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want %s", ErrWrongPayloadType, v, s.goType)
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", s.typeName, err)
	}
	return data, nil
}

func (s *jsonSerializer[T]) Unmarshal(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.typeName, err)
	}
	return v, nil
}

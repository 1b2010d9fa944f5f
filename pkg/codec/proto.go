package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

type protoSerializer struct {
	typeName string
	goType   reflect.Type
}

// Proto builds a Serializer that encodes T with the protobuf binary format
// under the given wire name. T must be a generated protobuf message pointer.
func Proto[T proto.Message](typeName string) Serializer {
	return &protoSerializer{
		typeName: typeName,
		goType:   reflect.TypeOf((*T)(nil)).Elem(),
	}
}

func (s *protoSerializer) TypeName() string     { return s.typeName }
func (s *protoSerializer) ContentType() string  { return ContentTypeProtobuf }
func (s *protoSerializer) GoType() reflect.Type { return s.goType }

func (s *protoSerializer) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok || reflect.TypeOf(v) != s.goType {
		return nil, fmt.Errorf("%w: got %T, want %s", ErrWrongPayloadType, v, s.goType)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", s.typeName, err)
	}
	return data, nil
}

func (s *protoSerializer) Unmarshal(data []byte) (any, error) {
	// goType is a pointer type for generated messages; allocate the element.
	msg, ok := reflect.New(s.goType.Elem()).Interface().(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a proto message", ErrWrongPayloadType, s.goType)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.typeName, err)
	}
	return msg, nil
}

// Package codec provides payload serialization for messages that cross
// process boundaries. The local runtime passes payloads by reference and
// never touches this package; the cluster worker runtime serializes every
// outbound payload and deserializes every inbound one through a Registry.
//
// A payload type is identified on the wire by a logical type name plus a
// content type, so independently built workers agree on encodings without
// sharing Go types:
//
//	codec.Register(codec.JSON[TaskRequest]("task.request"))
//
//	// elsewhere, a worker receiving "task.request"/application/json
//	// reconstructs a TaskRequest value.
package codec

import (
	"errors"
	"reflect"
)

// Wire content types.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Sentinel errors.
var (
	// ErrNoSerializer reports a payload type with no registered serializer.
	ErrNoSerializer = errors.New("no serializer registered for payload type")
	// ErrDuplicateSerializer reports a second registration for the same
	// (type name, content type) pair.
	ErrDuplicateSerializer = errors.New("serializer already registered")
	// ErrWrongPayloadType reports a Marshal call with a value of a different
	// Go type than the serializer was built for.
	ErrWrongPayloadType = errors.New("payload has wrong type for serializer")
)

// Serializer encodes and decodes one payload type under one content type.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// TypeName returns the logical wire name of the payload type.
	TypeName() string

	// ContentType returns the encoding identifier put on the wire.
	ContentType() string

	// GoType returns the concrete Go type this serializer produces and
	// consumes. The registry uses it to pick a serializer for an outbound
	// payload by its dynamic type.
	GoType() reflect.Type

	// Marshal encodes the payload.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into a fresh payload value.
	Unmarshal(data []byte) (any, error)
}

// TypeNameOf derives a default wire name from a value's Go type: the
// unqualified type name, with pointers stripped. Prefer explicit names for
// anything shared between independently built workers.
func TypeNameOf(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

package codec

import (
	"errors"
	"testing"
)

type taskRequest struct {
	Task string `json:"task"`
	Hops int    `json:"hops"`
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := JSON[taskRequest]("task.request")

	if s.TypeName() != "task.request" {
		t.Errorf("TypeName = %q", s.TypeName())
	}
	if s.ContentType() != ContentTypeJSON {
		t.Errorf("ContentType = %q", s.ContentType())
	}

	data, err := s.Marshal(taskRequest{Task: "summarize", Hops: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	v, err := s.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := v.(taskRequest)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want taskRequest", v)
	}
	if got.Task != "summarize" || got.Hops != 2 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestJSONSerializerWrongType(t *testing.T) {
	s := JSON[taskRequest]("task.request")
	if _, err := s.Marshal("not a task"); !errors.Is(err, ErrWrongPayloadType) {
		t.Errorf("expected ErrWrongPayloadType, got %v", err)
	}
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(JSON[taskRequest]("task.request")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(JSON[string]("text")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data, typeName, contentType, err := r.Marshal(taskRequest{Task: "t"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if typeName != "task.request" || contentType != ContentTypeJSON {
		t.Errorf("wire identity = %s/%s", typeName, contentType)
	}

	v, err := r.Unmarshal(data, typeName, contentType)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.(taskRequest).Task != "t" {
		t.Errorf("round trip = %+v", v)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()

	if _, _, _, err := r.Marshal(42); !errors.Is(err, ErrNoSerializer) {
		t.Errorf("Marshal of unregistered type: got %v", err)
	}
	if _, err := r.Unmarshal([]byte("{}"), "nope", ContentTypeJSON); !errors.Is(err, ErrNoSerializer) {
		t.Errorf("Unmarshal of unregistered name: got %v", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(JSON[string]("text")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(JSON[string]("text")); !errors.Is(err, ErrDuplicateSerializer) {
		t.Errorf("expected ErrDuplicateSerializer, got %v", err)
	}
	// Same Go type under a new wire name is allowed.
	if err := r.Register(JSON[string]("text.v2")); err != nil {
		t.Errorf("distinct name should register: %v", err)
	}
}

func TestTypeNameOf(t *testing.T) {
	if got := TypeNameOf(taskRequest{}); got != "taskRequest" {
		t.Errorf("TypeNameOf(struct) = %q", got)
	}
	if got := TypeNameOf(&taskRequest{}); got != "taskRequest" {
		t.Errorf("TypeNameOf(pointer) = %q", got)
	}
	if got := TypeNameOf("s"); got != "string" {
		t.Errorf("TypeNameOf(string) = %q", got)
	}
	if got := TypeNameOf(nil); got != "" {
		t.Errorf("TypeNameOf(nil) = %q", got)
	}
}

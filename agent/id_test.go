package agent

import (
	"errors"
	"testing"
)

func TestAgentTypeValid(t *testing.T) {
	valid := []string{"echo", "echo-2", "my_agent", "a.b.c", "A9"}
	for _, name := range valid {
		if !AgentType(name).Valid() {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{"", "with space", "slash/type", "topic:colon", "日本語"}
	for _, name := range invalid {
		if AgentType(name).Valid() {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestAgentIDString(t *testing.T) {
	id := NewAgentID("echo", "default")
	if got := id.String(); got != "echo/default" {
		t.Errorf("String() = %q, want %q", got, "echo/default")
	}
}

func TestAgentIDEquality(t *testing.T) {
	a := NewAgentID("echo", "k1")
	b := NewAgentID("echo", "k1")
	c := NewAgentID("echo", "k2")

	if a != b {
		t.Error("IDs with equal type and key should be equal")
	}
	if a == c {
		t.Error("IDs with different keys should not be equal")
	}

	// IDs must work as map keys
	seen := map[AgentID]int{a: 1}
	if seen[b] != 1 {
		t.Error("equal ID should hit the same map entry")
	}
}

func TestParseAgentID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    AgentID
		wantErr bool
	}{
		{"simple", "echo/default", AgentID{Type: "echo", Key: "default"}, false},
		{"key with slash", "router/a/b", AgentID{Type: "router", Key: "a/b"}, false},
		{"no separator", "echo", AgentID{}, true},
		{"empty key", "echo/", AgentID{}, true},
		{"bad type", "e cho/k", AgentID{}, true},
		{"empty", "", AgentID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAgentID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAgentID(%q) expected error, got %v", tt.input, got)
				}
				if !errors.Is(err, ErrInvalidAgentID) {
					t.Errorf("error should wrap ErrInvalidAgentID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAgentID(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAgentID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAgentIDRoundTrip(t *testing.T) {
	orig := NewAgentID("writer", "conversation-42")
	parsed, err := ParseAgentID(orig.String())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if parsed != orig {
		t.Errorf("round trip = %v, want %v", parsed, orig)
	}
}

func TestTopicIDValidate(t *testing.T) {
	tests := []struct {
		name    string
		topic   TopicID
		wantErr bool
	}{
		{"plain", NewTopicID("task", "conv-1"), false},
		{"structured type", NewTopicID("task:created", "conv-1"), false},
		{"key=value type", NewTopicID("tenant=acme", "s"), false},
		{"default", DefaultTopic(DefaultKey), false},
		{"empty type", NewTopicID("", "s"), true},
		{"empty source", NewTopicID("task", ""), true},
		{"type with slash", NewTopicID("a/b", "s"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate(%v) expected error", tt.topic)
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrInvalidTopic) {
				t.Errorf("error should wrap ErrInvalidTopic, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate(%v) unexpected error: %v", tt.topic, err)
			}
		})
	}
}

func TestDefaultTopic(t *testing.T) {
	topic := DefaultTopic("session-9")
	if topic.Type != DefaultTopicType {
		t.Errorf("Type = %q, want %q", topic.Type, DefaultTopicType)
	}
	if topic.Source != "session-9" {
		t.Errorf("Source = %q, want %q", topic.Source, "session-9")
	}
}

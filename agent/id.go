package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// AgentType names a class of agent logic (e.g., "echo", "logger", "writer").
// Within a single runtime process a type is registered at most once; within a
// running cluster at most one live worker owns any given type at any instant.
type AgentType string

// DefaultKey is the conventional instance key for callers that do not shard
// an agent type across multiple instances.
const DefaultKey = "default"

var agentTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// Valid reports whether the type name is well formed: non-empty, limited to
// alphanumerics, underscores, hyphens and dots. A valid type never contains
// "/", so every AgentID round-trips through its "type/key" string form.
func (t AgentType) Valid() bool {
	return agentTypePattern.MatchString(string(t))
}

// String returns the type name.
func (t AgentType) String() string { return string(t) }

// AgentID addresses one agent instance: an agent type plus an instance key.
// IDs are immutable values compared by (type, key) and usable as map keys.
//
// The key is the partition axis. A subscription maps a topic to
// AgentID(agentType, topic.Source), so two publishes that differ only in
// source reach two fully isolated instances of the same type. Applications
// typically use a conversation or session identifier as the source.
type AgentID struct {
	Type AgentType `json:"type" yaml:"type"`
	Key  string    `json:"key" yaml:"key"`
}

// NewAgentID builds an AgentID without validating it. Call Validate before
// handing an ID built from untrusted input to a runtime.
func NewAgentID(agentType AgentType, key string) AgentID {
	return AgentID{Type: agentType, Key: key}
}

// ParseAgentID parses the canonical "type/key" form produced by String.
// The key may itself contain "/"; only the first separator splits.
func ParseAgentID(s string) (AgentID, error) {
	idx := strings.Index(s, "/")
	if idx < 0 {
		return AgentID{}, fmt.Errorf("%w: %q is not in type/key form", ErrInvalidAgentID, s)
	}
	id := AgentID{Type: AgentType(s[:idx]), Key: s[idx+1:]}
	if err := id.Validate(); err != nil {
		return AgentID{}, err
	}
	return id, nil
}

// Validate checks both components of the ID.
func (id AgentID) Validate() error {
	if !id.Type.Valid() {
		return fmt.Errorf("%w: agent type %q", ErrInvalidAgentID, string(id.Type))
	}
	if id.Key == "" {
		return fmt.Errorf("%w: empty key for type %q", ErrInvalidAgentID, string(id.Type))
	}
	return nil
}

// String returns the canonical "type/key" form.
func (id AgentID) String() string {
	return string(id.Type) + "/" + id.Key
}

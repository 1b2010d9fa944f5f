// Package agents ships small ready-made agents for common runtime chores:
// echoing for smoke tests, logging deliveries, collecting payloads in tests
// and demos. Each agent comes with a Factory constructor so it can be
// registered directly, and Lookup resolves the builtin types that
// configuration files may declare.
package agents

import (
	"github.com/agentry-dev/agentry/agent"
)

// Base carries the identity and runtime reference every agent instance
// needs. Embed it and implement Handle.
type Base struct {
	id agent.AgentID
	rt agent.Runtime
}

// NewBase records the identity a factory received.
func NewBase(id agent.AgentID, rt agent.Runtime) Base {
	return Base{id: id, rt: rt}
}

// ID returns the address this instance was created for.
func (b Base) ID() agent.AgentID { return b.id }

// Runtime returns the runtime the instance is bound to, for publishing and
// sending from inside Handle.
func (b Base) Runtime() agent.Runtime { return b.rt }

// Lookup resolves a builtin agent type name to its factory. Configuration
// uses it for agents declared without code.
func Lookup(name string) (agent.Factory, bool) {
	switch name {
	case "echo":
		return NewEchoFactory(), true
	case "logger":
		return NewLoggerFactory(""), true
	case "collector":
		return func(id agent.AgentID, rt agent.Runtime) (agent.Agent, error) {
			return NewCollector(id, rt), nil
		}, true
	}
	return nil, false
}

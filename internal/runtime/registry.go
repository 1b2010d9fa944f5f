package runtime

import (
	"fmt"
	"sync"

	"github.com/agentry-dev/agentry/agent"
)

// AgentRegistry pairs the factory table with the lazy instance arena. A type
// registers at most once per process; instances are created on first touch
// and memoized per AgentID. Creation for different IDs may run concurrently
// without racing the cache; creation for one ID is single-flight.
type AgentRegistry struct {
	mu        sync.RWMutex
	factories map[agent.AgentType]agent.Factory
	instances map[agent.AgentID]*instanceEntry
}

type instanceEntry struct {
	ready chan struct{} // closed once agent/err are set
	agent agent.Agent
	err   error
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		factories: make(map[agent.AgentType]agent.Factory),
		instances: make(map[agent.AgentID]*instanceEntry),
	}
}

// RegisterFactory binds a type to its factory. The check is local and
// synchronous; a duplicate fails with agent.ErrDuplicateAgentType.
func (r *AgentRegistry) RegisterFactory(agentType agent.AgentType, factory agent.Factory) error {
	if !agentType.Valid() {
		return fmt.Errorf("%w: agent type %q", agent.ErrInvalidAgentID, string(agentType))
	}
	if factory == nil {
		return fmt.Errorf("nil factory for agent type %q", string(agentType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[agentType]; exists {
		return fmt.Errorf("%w: %s", agent.ErrDuplicateAgentType, string(agentType))
	}
	r.factories[agentType] = factory
	return nil
}

// UnregisterFactory removes a type binding. The worker runtime rolls back a
// local registration with this when the host reports an ownership conflict.
func (r *AgentRegistry) UnregisterFactory(agentType agent.AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, agentType)
}

// HasType reports whether a factory is registered for the type.
func (r *AgentRegistry) HasType(agentType agent.AgentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[agentType]
	return ok
}

// Types returns the registered types in unspecified order.
func (r *AgentRegistry) Types() []agent.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]agent.AgentType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// GetOrCreate returns the instance for an ID, running the factory on first
// touch. The bound runtime is handed to the factory so new agents can publish
// and send. A factory error is returned to this caller and not cached: the
// next touch retries.
func (r *AgentRegistry) GetOrCreate(id agent.AgentID, rt agent.Runtime) (agent.Agent, error) {
	r.mu.Lock()
	if entry, ok := r.instances[id]; ok {
		r.mu.Unlock()
		<-entry.ready
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.agent, nil
	}

	factory, ok := r.factories[id.Type]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, string(id.Type))
	}

	entry := &instanceEntry{ready: make(chan struct{})}
	r.instances[id] = entry
	r.mu.Unlock()

	a, err := factory(id, rt)
	if err == nil && a == nil {
		err = fmt.Errorf("factory for %s returned nil agent", string(id.Type))
	}
	entry.agent = a
	entry.err = err
	close(entry.ready)

	if err != nil {
		// Drop the failed entry so a later delivery retries the factory.
		r.mu.Lock()
		delete(r.instances, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("create agent %s: %w", id, err)
	}
	return a, nil
}

// Instance returns the live instance for an ID, if one was created.
func (r *AgentRegistry) Instance(id agent.AgentID) (agent.Agent, bool) {
	r.mu.RLock()
	entry, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	<-entry.ready
	if entry.err != nil {
		return nil, false
	}
	return entry.agent, true
}

// EachInstance calls fn for every live instance. Used for state snapshots.
func (r *AgentRegistry) EachInstance(fn func(agent.AgentID, agent.Agent)) {
	r.mu.RLock()
	ids := make([]agent.AgentID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if a, ok := r.Instance(id); ok {
			fn(id, a)
		}
	}
}

// InstanceCount returns the number of live instances.
func (r *AgentRegistry) InstanceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

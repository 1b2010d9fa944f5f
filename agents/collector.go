package agents

import (
	"context"
	"sync"

	"github.com/agentry-dev/agentry/agent"
)

// Collector captures every payload delivered to it, in arrival order. Tests
// and demos subscribe one to a topic and assert on Items afterwards. The
// capture survives SaveState/LoadState, so a restored runtime picks up the
// list where it left off.
//
// Deliveries to one instance are serialized by the runtime; the mutex only
// guards against readers calling Items or Len mid-run.
type Collector struct {
	Base
	mu    sync.Mutex
	items []any
}

// NewCollector builds one instance.
func NewCollector(id agent.AgentID, rt agent.Runtime) *Collector {
	return &Collector{Base: NewBase(id, rt)}
}

// NewCollectorFactory returns a factory producing Collector instances.
func NewCollectorFactory() agent.Factory {
	return func(id agent.AgentID, rt agent.Runtime) (agent.Agent, error) {
		return NewCollector(id, rt), nil
	}
}

func (c *Collector) Handle(ctx context.Context, message any, mctx *agent.MessageContext) (any, error) {
	c.mu.Lock()
	c.items = append(c.items, message)
	n := len(c.items)
	c.mu.Unlock()
	return n, nil
}

// Items returns a copy of everything collected so far.
func (c *Collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

// Len reports how many payloads were collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Reset drops the capture.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// SaveState snapshots the captured items.
func (c *Collector) SaveState(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"items": append([]any(nil), c.items...)}, nil
}

// LoadState restores a snapshot. Items that crossed a JSON round trip come
// back with JSON's types (numbers as float64).
func (c *Collector) LoadState(ctx context.Context, state map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	if raw, ok := state["items"].([]any); ok {
		c.items = append(c.items, raw...)
	}
	return nil
}

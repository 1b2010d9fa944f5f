package runtime

import (
	"fmt"
	"sync"

	"github.com/agentry-dev/agentry/agent"
)

// SubscriptionManager holds the live set of routing rules and answers which
// agents should receive a message published to a topic. The host owns the
// cluster's authoritative manager; every runtime owns a local one.
// Safe for concurrent use; bulk removal is atomic with respect to Recipients.
type SubscriptionManager struct {
	mu    sync.RWMutex
	subs  map[string]agent.Subscription
	order []string // insertion order keeps Recipients deterministic
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subs: make(map[string]agent.Subscription),
	}
}

// Add activates a rule. The subscription's ID must be unused.
func (m *SubscriptionManager) Add(sub agent.Subscription) error {
	if sub == nil || sub.ID() == "" {
		return fmt.Errorf("%w: missing id", agent.ErrInvalidSubscription)
	}
	if v, ok := sub.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.ID()]; exists {
		return fmt.Errorf("%w: %s", agent.ErrDuplicateSubscription, sub.ID())
	}
	m.subs[sub.ID()] = sub
	m.order = append(m.order, sub.ID())
	return nil
}

// Remove deactivates a rule by ID.
func (m *SubscriptionManager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[id]; !exists {
		return fmt.Errorf("%w: %s", agent.ErrUnknownSubscription, id)
	}
	m.deleteLocked(id)
	return nil
}

// RemoveWhere deactivates every rule pred selects in one atomic step and
// returns the removed IDs. The host uses this to purge a disconnected
// worker's subscriptions without any concurrent Recipients call observing a
// partial view.
func (m *SubscriptionManager) RemoveWhere(pred func(agent.Subscription) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for _, id := range append([]string(nil), m.order...) {
		if sub, ok := m.subs[id]; ok && pred(sub) {
			m.deleteLocked(id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (m *SubscriptionManager) deleteLocked(id string) {
	delete(m.subs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Recipients resolves a topic against every active rule and returns the
// deduplicated recipient set in rule insertion order.
func (m *SubscriptionManager) Recipients(topic agent.TopicID) []agent.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []agent.AgentID
	seen := make(map[agent.AgentID]struct{})
	for _, id := range m.order {
		sub := m.subs[id]
		if !sub.Matches(topic) {
			continue
		}
		recipient, err := sub.MapTopic(topic)
		if err != nil {
			continue
		}
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}
		out = append(out, recipient)
	}
	return out
}

// Has reports whether a rule with the ID is active.
func (m *SubscriptionManager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[id]
	return ok
}

// Len returns the number of active rules.
func (m *SubscriptionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Each calls fn for every active rule in insertion order.
func (m *SubscriptionManager) Each(fn func(agent.Subscription)) {
	m.mu.RLock()
	snapshot := make([]agent.Subscription, 0, len(m.order))
	for _, id := range m.order {
		snapshot = append(snapshot, m.subs[id])
	}
	m.mu.RUnlock()

	for _, sub := range snapshot {
		fn(sub)
	}
}

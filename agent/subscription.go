package agent

import (
	"fmt"

	"github.com/google/uuid"
)

// Subscription is a routing rule. It decides which topics it matches and maps
// a matching topic onto the concrete recipient AgentID. Implementations must
// be immutable after construction and safe for concurrent use.
type Subscription interface {
	// ID returns the unique identifier assigned at construction. Two
	// subscriptions carrying the same rule but different IDs are distinct
	// entries; removing one leaves the other active.
	ID() string

	// Matches reports whether this rule applies to the topic.
	Matches(topic TopicID) bool

	// MapTopic resolves the recipient for a matching topic. Calling MapTopic
	// on a topic Matches rejected returns an error wrapping
	// ErrInvalidSubscription.
	MapTopic(topic TopicID) (AgentID, error)
}

// TypeSubscription routes every topic of one type to one agent type, using
// the topic's source as the recipient's instance key:
//
//	TopicID{Type: "task", Source: "conv-7"}  →  AgentID{Type: agentType, Key: "conv-7"}
//
// It is the only built-in rule; a default subscription is the same rule
// pinned to DefaultTopicType.
type TypeSubscription struct {
	id        string
	topicType string
	agentType AgentType
}

// NewTypeSubscription creates a subscription with a fresh unique ID.
func NewTypeSubscription(topicType string, agentType AgentType) *TypeSubscription {
	return &TypeSubscription{
		id:        uuid.NewString(),
		topicType: topicType,
		agentType: agentType,
	}
}

// NewTypeSubscriptionWithID reconstructs a subscription under a known ID, for
// example from its wire form. The cluster host uses this so worker-assigned
// IDs stay stable across the cluster.
func NewTypeSubscriptionWithID(id, topicType string, agentType AgentType) *TypeSubscription {
	return &TypeSubscription{
		id:        id,
		topicType: topicType,
		agentType: agentType,
	}
}

// NewDefaultSubscription subscribes an agent type to the default topic type.
func NewDefaultSubscription(agentType AgentType) *TypeSubscription {
	return NewTypeSubscription(DefaultTopicType, agentType)
}

// ID returns the subscription's unique identifier.
func (s *TypeSubscription) ID() string { return s.id }

// TopicType returns the topic type this rule matches.
func (s *TypeSubscription) TopicType() string { return s.topicType }

// AgentType returns the recipient agent type.
func (s *TypeSubscription) AgentType() AgentType { return s.agentType }

// Matches reports whether the topic's type equals the subscribed topic type.
// The source plays no part in matching; it only selects the instance.
func (s *TypeSubscription) Matches(topic TopicID) bool {
	return topic.Type == s.topicType
}

// MapTopic resolves a matching topic to AgentID(agentType, topic.Source).
func (s *TypeSubscription) MapTopic(topic TopicID) (AgentID, error) {
	if !s.Matches(topic) {
		return AgentID{}, fmt.Errorf("%w: %s does not match topic %s", ErrInvalidSubscription, s.id, topic)
	}
	return AgentID{Type: s.agentType, Key: topic.Source}, nil
}

// Validate checks the rule's components.
func (s *TypeSubscription) Validate() error {
	if s.id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSubscription)
	}
	if !topicTypePattern.MatchString(s.topicType) {
		return fmt.Errorf("%w: topic type %q", ErrInvalidSubscription, s.topicType)
	}
	if !s.agentType.Valid() {
		return fmt.Errorf("%w: agent type %q", ErrInvalidSubscription, string(s.agentType))
	}
	return nil
}

// String returns a debug form of the rule.
func (s *TypeSubscription) String() string {
	return fmt.Sprintf("TypeSubscription{%s: %s -> %s}", s.id, s.topicType, string(s.agentType))
}

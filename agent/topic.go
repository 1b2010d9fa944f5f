package agent

import (
	"fmt"
	"regexp"
)

// DefaultTopicType is the well-known topic type matched by subscriptions
// created with NewDefaultSubscription.
const DefaultTopicType = "default"

// topic types additionally allow ":" and "=" so applications can build
// structured names like "task:created" or "tenant=acme".
var topicTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.:=]+$`)

// TopicID names a publish destination. Type selects which subscriptions
// match; Source is the partition key a matching subscription turns into the
// recipient's instance key. Values are immutable and compared by (type, source).
type TopicID struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
}

// NewTopicID builds a TopicID without validating it.
func NewTopicID(topicType, source string) TopicID {
	return TopicID{Type: topicType, Source: source}
}

// DefaultTopic returns the conventional default topic for a source. Use
// DefaultKey as the source for single-partition setups.
func DefaultTopic(source string) TopicID {
	return TopicID{Type: DefaultTopicType, Source: source}
}

// Validate checks both components of the topic.
func (t TopicID) Validate() error {
	if !topicTypePattern.MatchString(t.Type) {
		return fmt.Errorf("%w: topic type %q", ErrInvalidTopic, t.Type)
	}
	if t.Source == "" {
		return fmt.Errorf("%w: empty source for type %q", ErrInvalidTopic, t.Type)
	}
	return nil
}

// String returns the "type/source" form used in logs and traces.
func (t TopicID) String() string {
	return t.Type + "/" + t.Source
}

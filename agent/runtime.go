package agent

import "context"

// Runtime is the messaging contract shared by the local runtime and the
// cluster worker runtime. Application code written against this interface is
// agnostic to whether its peers live in the same process or on another
// machine; only construction differs.
type Runtime interface {
	// RegisterFactory binds an agent type to the factory that builds its
	// instances. Registering a type twice in one process fails synchronously
	// with ErrDuplicateAgentType. On a cluster worker, a type owned by
	// another live worker additionally fails with ErrAgentTypeConflict; the
	// local registration is rolled back, so a later retry is a fresh attempt.
	RegisterFactory(agentType AgentType, factory Factory) error

	// AddSubscription activates a routing rule. Adding a rule whose ID is
	// already active fails with ErrDuplicateSubscription.
	AddSubscription(sub Subscription) error

	// RemoveSubscription deactivates a rule by ID.
	RemoveSubscription(id string) error

	// PublishMessage fans a message out to every agent a matching
	// subscription maps the topic to. Fire-and-forget: it returns once the
	// runtime accepted the message, before any handler runs. Publishing to a
	// topic nothing matches is a no-op, not an error.
	PublishMessage(ctx context.Context, message any, topic TopicID, opts ...MessageOption) error

	// SendMessage delivers a message to exactly one agent and waits for its
	// handler's return value. A handler error is returned to this caller and
	// leaves the runtime running. Sending to a type with no registration
	// fails with ErrUnknownAgentType (local) or ErrUndeliverable (cluster).
	SendMessage(ctx context.Context, message any, recipient AgentID, opts ...MessageOption) (any, error)

	// Start launches message processing. Non-blocking.
	Start() error

	// Stop drains queued and executing messages, then halts. The ctx bounds
	// the drain; on deadline the runtime halts without finishing the queue.
	Stop(ctx context.Context) error

	// StopWhenIdle blocks until no message is queued or executing, then stops.
	StopWhenIdle(ctx context.Context) error

	// StopWhen polls pred until it reports true, then stops. Used by tests
	// and hosts to bound a run deterministically.
	StopWhen(ctx context.Context, pred func() bool) error

	// SaveState snapshots every live Stateful agent, keyed by AgentID string.
	SaveState(ctx context.Context) (map[string]map[string]any, error)

	// LoadState restores snapshots produced by SaveState, creating agent
	// instances as needed.
	LoadState(ctx context.Context, state map[string]map[string]any) error
}

// MessageOptions collects per-call options for PublishMessage and SendMessage.
type MessageOptions struct {
	// Sender attributes the message to an agent; delivered in MessageContext.
	Sender *AgentID
	// MessageID overrides the generated unique ID. Used by the cluster
	// runtime to keep IDs stable across the wire.
	MessageID string
}

// MessageOption customizes one PublishMessage or SendMessage call.
type MessageOption func(*MessageOptions)

// WithSender attributes the message to the sending agent.
func WithSender(id AgentID) MessageOption {
	return func(o *MessageOptions) { o.Sender = &id }
}

// WithMessageID pins the message ID instead of generating one.
func WithMessageID(id string) MessageOption {
	return func(o *MessageOptions) { o.MessageID = id }
}

// ApplyMessageOptions folds opts into a MessageOptions. Runtimes call this;
// applications normally do not.
func ApplyMessageOptions(opts ...MessageOption) *MessageOptions {
	o := &MessageOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

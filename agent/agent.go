package agent

import "context"

// Agent is one addressable unit of message-handling logic.
// External packages implement this interface for custom agents.
//
// Instances are created lazily: the first message addressed to an AgentID
// runs the registered Factory, and the runtime memoizes the result for the
// life of the process. Deliveries to one AgentID are strictly serialized, so
// Handle never runs concurrently with itself on the same instance; handlers
// for different IDs may run concurrently.
type Agent interface {
	// ID returns the address this instance was created for.
	ID() AgentID

	// Handle processes one delivered message. The returned value becomes the
	// caller's result for a direct send and is discarded for a publish. The
	// ctx is the original caller's cancellation token: advisory, observed
	// only if the handler chooses to check it or link it to downstream work.
	// An error (or panic, which the runtime converts to an error) fails only
	// this delivery, never the runtime.
	Handle(ctx context.Context, message any, mctx *MessageContext) (any, error)
}

// Factory constructs the instance for an AgentID on its first delivery. The
// runtime memoizes the result, so a factory runs at most once per ID. The
// bound runtime lets the new agent publish and send from inside Handle.
type Factory func(id AgentID, runtime Runtime) (Agent, error)

// Stateful is implemented by agents whose state should survive a runtime
// SaveState/LoadState cycle. Both methods are invoked under the agent's
// mailbox discipline, never concurrently with Handle.
type Stateful interface {
	// SaveState returns a JSON-serializable snapshot of the agent's state.
	SaveState(ctx context.Context) (map[string]any, error)

	// LoadState restores a snapshot produced by SaveState.
	LoadState(ctx context.Context, state map[string]any) error
}

// MessageContext carries the delivery metadata alongside a message.
type MessageContext struct {
	// Sender is the publishing or sending agent. Nil when the message came
	// from outside the runtime (tests, CLI, application startup code).
	Sender *AgentID

	// Topic is set for published messages and nil for direct sends.
	Topic *TopicID

	// IsRPC is true when the delivery came from SendMessage and a caller is
	// waiting on Handle's return value.
	IsRPC bool

	// MessageID is the unique ID the runtime assigned when it accepted the
	// message. Stable across the wire in cluster mode.
	MessageID string
}

package agent

import "context"

// ClosureFunc is the handler signature for closure agents.
type ClosureFunc func(ctx context.Context, message any, mctx *MessageContext) (any, error)

// closureAgent adapts a plain function to the Agent interface.
type closureAgent struct {
	id AgentID
	fn ClosureFunc
}

// Closure wraps fn as an Agent with the given ID. It is the quickest way to
// stand up an agent in tests and small programs.
func Closure(id AgentID, fn ClosureFunc) Agent {
	return &closureAgent{id: id, fn: fn}
}

// ClosureFactory returns a Factory producing one closure agent per AgentID,
// all sharing fn. Closure state is shared across instances, so fn must be
// safe for concurrent use by different IDs; deliveries to one ID remain
// serialized as usual.
func ClosureFactory(fn ClosureFunc) Factory {
	return func(id AgentID, _ Runtime) (Agent, error) {
		return &closureAgent{id: id, fn: fn}, nil
	}
}

func (a *closureAgent) ID() AgentID { return a.id }

func (a *closureAgent) Handle(ctx context.Context, message any, mctx *MessageContext) (any, error) {
	return a.fn(ctx, message, mctx)
}

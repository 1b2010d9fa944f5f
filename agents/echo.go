package agents

import (
	"context"

	"github.com/agentry-dev/agentry/agent"
)

// Echo answers every delivery with the payload it received. The first agent
// to reach for when smoke-testing a runtime or a cluster link: if
// SendMessage round-trips through an Echo, addressing, transport and codecs
// all work.
type Echo struct {
	Base
}

// NewEcho builds one instance. Most callers register NewEchoFactory instead.
func NewEcho(id agent.AgentID, rt agent.Runtime) *Echo {
	return &Echo{Base: NewBase(id, rt)}
}

// NewEchoFactory returns a factory producing Echo instances.
func NewEchoFactory() agent.Factory {
	return func(id agent.AgentID, rt agent.Runtime) (agent.Agent, error) {
		return NewEcho(id, rt), nil
	}
}

func (e *Echo) Handle(ctx context.Context, message any, mctx *agent.MessageContext) (any, error) {
	return message, nil
}

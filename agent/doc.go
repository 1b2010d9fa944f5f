// Package agent provides the public types for building agents with Agentry.
//
// This package exports the addressing primitives (AgentID, TopicID), the
// subscription model, and the Agent and Runtime interfaces that external
// projects need to write agents or drive a runtime.
//
// # Basic Usage
//
// To create a custom agent, implement the Agent interface:
//
//	type EchoAgent struct {
//	    id agent.AgentID
//	}
//
//	func (a *EchoAgent) ID() agent.AgentID { return a.id }
//
//	func (a *EchoAgent) Handle(ctx context.Context, message any, mctx *agent.MessageContext) (any, error) {
//	    return message, nil
//	}
//
// Register a factory so the runtime can build instances on demand, one per
// addressed key:
//
//	rt.RegisterFactory("echo", func(id agent.AgentID, _ agent.Runtime) (agent.Agent, error) {
//	    return &EchoAgent{id: id}, nil
//	})
//
// For small agents, Closure skips the struct:
//
//	rt.RegisterFactory("upper", agent.ClosureFactory(
//	    func(ctx context.Context, message any, mctx *agent.MessageContext) (any, error) {
//	        return strings.ToUpper(message.(string)), nil
//	    }))
//
// # Addressing
//
// An AgentID is an agent type plus an instance key. Direct sends name the ID
// explicitly; publishes name a TopicID and subscriptions turn the topic's
// source into the instance key:
//
//	reply, err := rt.SendMessage(ctx, "hi", agent.NewAgentID("echo", "default"))
//
//	rt.AddSubscription(agent.NewTypeSubscription("task", "worker"))
//	rt.PublishMessage(ctx, task, agent.NewTopicID("task", "conv-42"))
//	// delivered to AgentID{Type: "worker", Key: "conv-42"}
//
// Two publishes that differ only in source reach two isolated instances of
// the same agent type, which is how applications shard by conversation or
// session ID.
//
// # Runtimes
//
// The root agentry package provides two Runtime implementations sharing this
// contract: a single-process runtime and a cluster worker that proxies
// routing through a coordinating host. Application code does not change
// between them.
package agent

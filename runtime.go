package agentry

import (
	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/internal/runtime"
)

// The root package re-exports the core messaging surface so applications can
// depend on it alone. The agent package stays importable directly when finer
// control is wanted.

type (
	// Agent is one addressable unit of message-handling logic.
	Agent = agent.Agent
	// AgentID addresses one agent instance: type plus instance key.
	AgentID = agent.AgentID
	// AgentType names a kind of agent.
	AgentType = agent.AgentType
	// TopicID names a broadcast scope: type plus source.
	TopicID = agent.TopicID
	// MessageContext carries delivery metadata into Handle.
	MessageContext = agent.MessageContext
	// Factory constructs agent instances on first delivery.
	Factory = agent.Factory
	// Runtime is the messaging contract shared by local and cluster runtimes.
	Runtime = agent.Runtime
	// Subscription is a routing rule from topics to agents.
	Subscription = agent.Subscription
	// MessageOption customizes one publish or send call.
	MessageOption = agent.MessageOption

	// RuntimeOption configures NewRuntime and NewWorker.
	RuntimeOption = runtime.Option
	// HostOption configures NewHost.
	HostOption = runtime.HostOption
	// WorkerOption configures NewWorker beyond the shared runtime options.
	WorkerOption = runtime.WorkerOption
	// TLSConfig carries certificate material for host and worker channels.
	TLSConfig = runtime.TLSConfig

	// Host is the cluster gateway workers connect to.
	Host = runtime.Host
	// Worker is the cluster client runtime.
	Worker = runtime.Worker
)

// Constructors and options, re-exported verbatim.
var (
	NewAgentID             = agent.NewAgentID
	ParseAgentID           = agent.ParseAgentID
	NewTopicID             = agent.NewTopicID
	DefaultTopic           = agent.DefaultTopic
	NewTypeSubscription    = agent.NewTypeSubscription
	NewDefaultSubscription = agent.NewDefaultSubscription
	WithSender             = agent.WithSender
	WithMessageID          = agent.WithMessageID
	Closure                = agent.Closure
	ClosureFactory         = agent.ClosureFactory

	WithQueueSize      = runtime.WithQueueSize
	WithMailboxSize    = runtime.WithMailboxSize
	WithEnqueueTimeout = runtime.WithEnqueueTimeout
	WithMetrics        = runtime.WithMetrics
	WithIntervention   = runtime.WithIntervention
	WithCodecRegistry  = runtime.WithCodecRegistry
	WithDialTimeout    = runtime.WithDialTimeout
	WithTLS            = runtime.WithTLS
	WithRateLimit      = runtime.WithRateLimit
	WithWorkerTLS      = runtime.WithWorkerTLS
)

// Common sentinels callers branch on with errors.Is.
var (
	ErrDuplicateAgentType    = agent.ErrDuplicateAgentType
	ErrAgentTypeConflict     = agent.ErrAgentTypeConflict
	ErrUnknownAgentType      = agent.ErrUnknownAgentType
	ErrDuplicateSubscription = agent.ErrDuplicateSubscription
	ErrUnknownSubscription   = agent.ErrUnknownSubscription
	ErrUndeliverable         = agent.ErrUndeliverable
	ErrRuntimeNotStarted     = agent.ErrRuntimeNotStarted
	ErrRuntimeStopped        = agent.ErrRuntimeStopped
)

// NewRuntime returns the in-process runtime: one FIFO accept queue, ordered
// per-agent delivery, lazy instantiation. Register factories and
// subscriptions, then Start.
func NewRuntime(opts ...RuntimeOption) *runtime.LocalRuntime {
	return runtime.NewLocalRuntime(opts...)
}

// NewHost returns the cluster gateway. It owns no agents; workers connect,
// register the types they serve and the host routes between them.
func NewHost(listenAddr string, opts ...any) *Host {
	return runtime.NewHost(listenAddr, opts...)
}

// NewWorker returns a cluster client runtime that will connect to the host
// at hostAddr. It satisfies the same Runtime contract as NewRuntime.
func NewWorker(hostAddr string, opts ...any) *Worker {
	return runtime.NewWorker(hostAddr, opts...)
}

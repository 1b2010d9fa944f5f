package agent

import "errors"

// Sentinel errors shared by the local and cluster runtimes. Concrete errors
// wrap these with call-site detail; callers branch with errors.Is.
var (
	// ErrDuplicateAgentType reports a second factory registration for a type
	// within the same runtime process. The check is purely local and
	// synchronous, so it is reported identically whether or not the runtime
	// is connected to a cluster.
	ErrDuplicateAgentType = errors.New("agent type already registered in this runtime")

	// ErrAgentTypeConflict reports that the cluster host refused a
	// registration because another live worker currently owns the type.
	// Ownership is a lease tied to that worker's connection: once it
	// disconnects, re-registering the type succeeds as a fresh registration.
	ErrAgentTypeConflict = errors.New("agent type owned by another live worker")

	// ErrUnknownAgentType reports a direct send to a type no factory was
	// registered for.
	ErrUnknownAgentType = errors.New("no factory registered for agent type")

	// ErrInvalidAgentID reports a malformed agent ID.
	ErrInvalidAgentID = errors.New("invalid agent id")

	// ErrInvalidTopic reports a malformed topic ID.
	ErrInvalidTopic = errors.New("invalid topic id")

	// ErrInvalidSubscription reports a malformed subscription or a MapTopic
	// call on a topic the subscription does not match.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrDuplicateSubscription reports adding a subscription whose ID is
	// already active.
	ErrDuplicateSubscription = errors.New("subscription id already active")

	// ErrUnknownSubscription reports removing a subscription ID that is not
	// active.
	ErrUnknownSubscription = errors.New("unknown subscription id")

	// ErrRuntimeNotStarted reports message operations before Start.
	ErrRuntimeNotStarted = errors.New("runtime not started")

	// ErrRuntimeStopped reports operations after Stop completed.
	ErrRuntimeStopped = errors.New("runtime stopped")

	// ErrUndeliverable reports a send whose recipient is provably unroutable,
	// for example a cluster send to a type no connected worker owns.
	ErrUndeliverable = errors.New("message undeliverable")

	// ErrMessageDropped is returned from an InterventionHandler to suppress a
	// message. A dropped send surfaces this error to the caller; a dropped
	// publish is suppressed without one.
	ErrMessageDropped = errors.New("message dropped by intervention handler")
)

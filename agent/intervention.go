package agent

import "context"

// InterventionHandler observes, rewrites or drops messages before the runtime
// routes them. OnSend runs for direct sends, OnPublish for topic publishes,
// both on the caller's goroutine before the message is queued.
//
// The returned message replaces the original, so a handler that only observes
// returns its input unchanged. Returning ErrMessageDropped suppresses the
// message: the send caller receives the error, a publish is suppressed
// silently. Any other error aborts the operation with that error.
type InterventionHandler interface {
	OnSend(ctx context.Context, message any, mctx *MessageContext) (any, error)
	OnPublish(ctx context.Context, message any, mctx *MessageContext) (any, error)
}

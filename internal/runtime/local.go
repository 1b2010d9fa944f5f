package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/internal/observability"
	metrics "github.com/agentry-dev/agentry/pkg/observability"
)

// Lifecycle states. A runtime moves through them in one direction only;
// a stopped runtime cannot be restarted.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// envelope is one in-flight message. Exactly one of topic or recipient is
// meaningful: topic for publishes (recipient is filled in per clone during
// fan-out), recipient alone for direct sends. The context carries the
// caller's cancellation; it is advisory and handed to the handler, which may
// ignore it.
type envelope struct {
	ctx       context.Context
	payload   any
	sender    *agent.AgentID
	topic     *agent.TopicID
	recipient agent.AgentID
	messageID string

	// result is non-nil for awaited sends and control frames; buffered so
	// completion never blocks on an absent reader.
	result chan callResult

	// control bypasses Handle. State snapshots ride the target's mailbox as
	// control frames so they serialize with that agent's deliveries.
	control func(ctx context.Context, a agent.Agent) (any, error)
}

type callResult struct {
	value any
	err   error
}

func (e *envelope) fail(err error) {
	if e.result != nil {
		e.result <- callResult{err: err}
	}
}

// LocalRuntime runs agents inside a single process. Messages are accepted
// onto one central FIFO queue; a dispatcher goroutine routes each envelope to
// a per-agent mailbox, and each mailbox goroutine runs its agent's handlers
// one at a time. Deliveries to the same AgentID happen in acceptance order;
// deliveries to different IDs interleave freely.
//
// Handlers may publish and send while handling (cascades); the new messages
// join the same queue. The runtime performs no cycle detection, so bounding
// an infinite cascade is the application's job.
type LocalRuntime struct {
	cfg      *RuntimeConfig
	subs     *SubscriptionManager
	registry *AgentRegistry

	queue chan *envelope

	mu        sync.Mutex
	mailboxes map[agent.AgentID]chan *envelope

	// self is the runtime handed to factories. The cluster worker runtime
	// overrides it so agents constructed there publish through the host.
	self agent.Runtime

	state    atomic.Int32
	inFlight atomic.Int64
	wg       sync.WaitGroup
	done     chan struct{}
	stopped  chan struct{}
}

// NewLocalRuntime creates a runtime with the given options. Register
// factories and subscriptions, then call Start.
func NewLocalRuntime(opts ...Option) *LocalRuntime {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newLocalRuntime(cfg)
}

// newLocalRuntime builds a runtime around an existing config. The worker
// runtime uses it to share one config with its embedded local core.
func newLocalRuntime(cfg *RuntimeConfig) *LocalRuntime {
	r := &LocalRuntime{
		cfg:       cfg,
		subs:      NewSubscriptionManager(),
		registry:  NewAgentRegistry(),
		queue:     make(chan *envelope, cfg.QueueSize),
		mailboxes: make(map[agent.AgentID]chan *envelope),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	r.self = r
	return r
}

// RegisterFactory binds an agent type to its factory. Instances are created
// lazily on first delivery, one per AgentID.
func (r *LocalRuntime) RegisterFactory(agentType agent.AgentType, factory agent.Factory) error {
	return r.registry.RegisterFactory(agentType, factory)
}

// AddSubscription activates a routing rule.
func (r *LocalRuntime) AddSubscription(sub agent.Subscription) error {
	return r.subs.Add(sub)
}

// RemoveSubscription deactivates a routing rule by ID.
func (r *LocalRuntime) RemoveSubscription(id string) error {
	return r.subs.Remove(id)
}

// Start launches the dispatcher. Non-blocking; messages published before
// Start are rejected with ErrRuntimeNotStarted.
func (r *LocalRuntime) Start() error {
	if !r.state.CompareAndSwap(stateIdle, stateRunning) {
		if r.state.Load() == stateRunning {
			return errors.New("runtime already started")
		}
		return agent.ErrRuntimeStopped
	}
	if r.cfg.EnableMetrics {
		metrics.InitMetrics()
	}
	r.wg.Add(1)
	go r.dispatchLoop()
	log.Printf("[LocalRuntime] started (queue=%d, mailbox=%d)", r.cfg.QueueSize, r.cfg.MailboxSize)
	return nil
}

// PublishMessage fans a message out to every agent a matching subscription
// maps the topic to. Fire-and-forget: it returns once the runtime accepted
// the message. A topic nothing matches is a no-op. The publishing agent,
// when identified with WithSender, never receives its own publish.
func (r *LocalRuntime) PublishMessage(ctx context.Context, message any, topic agent.TopicID, opts ...agent.MessageOption) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if err := r.ensureRunning(); err != nil {
		return err
	}
	o := agent.ApplyMessageOptions(opts...)
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}

	if r.cfg.Intervention != nil {
		mctx := &agent.MessageContext{Sender: o.Sender, Topic: &topic, MessageID: o.MessageID}
		out, err := r.cfg.Intervention.OnPublish(ctx, message, mctx)
		if err != nil {
			if errors.Is(err, agent.ErrMessageDropped) {
				if r.cfg.EnableMetrics {
					metrics.RecordRuntimeMessage("publish", "dropped")
				}
				return nil
			}
			return err
		}
		message = out
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.publish."+topic.Type,
		trace.WithAttributes(
			attribute.String("topic.type", topic.Type),
			attribute.String("topic.source", topic.Source),
			attribute.String("message.id", o.MessageID),
		))
	defer span.End()

	env := &envelope{
		ctx:       ctx,
		payload:   message,
		sender:    o.Sender,
		topic:     &topic,
		messageID: o.MessageID,
	}
	if err := r.enqueue(env); err != nil {
		span.RecordError(err)
		return err
	}
	if r.cfg.EnableMetrics {
		metrics.RecordRuntimeMessage("publish", "accepted")
	}
	return nil
}

// SendMessage delivers a message to exactly one agent and waits for its
// handler's return value. A handler error comes back to this caller and
// leaves the runtime running. Cancelling ctx abandons the wait; the
// delivery itself may still happen.
func (r *LocalRuntime) SendMessage(ctx context.Context, message any, recipient agent.AgentID, opts ...agent.MessageOption) (any, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	if err := r.ensureRunning(); err != nil {
		return nil, err
	}
	if !r.registry.HasType(recipient.Type) {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, string(recipient.Type))
	}
	o := agent.ApplyMessageOptions(opts...)
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}

	if r.cfg.Intervention != nil {
		mctx := &agent.MessageContext{Sender: o.Sender, IsRPC: true, MessageID: o.MessageID}
		out, err := r.cfg.Intervention.OnSend(ctx, message, mctx)
		if err != nil {
			if r.cfg.EnableMetrics && errors.Is(err, agent.ErrMessageDropped) {
				metrics.RecordRuntimeMessage("send", "dropped")
			}
			return nil, err
		}
		message = out
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.send."+string(recipient.Type),
		trace.WithAttributes(
			attribute.String("recipient", recipient.String()),
			attribute.String("message.id", o.MessageID),
		))
	defer span.End()

	env := &envelope{
		ctx:       ctx,
		payload:   message,
		sender:    o.Sender,
		recipient: recipient,
		messageID: o.MessageID,
		result:    make(chan callResult, 1),
	}
	if err := r.enqueue(env); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.cfg.EnableMetrics {
		metrics.RecordRuntimeMessage("send", "accepted")
	}

	select {
	case res := <-env.result:
		if res.err != nil {
			span.RecordError(res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, agent.ErrRuntimeStopped
	}
}

func (r *LocalRuntime) ensureRunning() error {
	switch r.state.Load() {
	case stateRunning:
		return nil
	case stateIdle:
		return agent.ErrRuntimeNotStarted
	default:
		return agent.ErrRuntimeStopped
	}
}

// enqueue places an envelope on the central queue, applying backpressure up
// to EnqueueTimeout when the queue is full. The in-flight count is raised
// before the attempt so a concurrent drain never observes a false idle.
func (r *LocalRuntime) enqueue(env *envelope) error {
	if n, c := len(r.queue), cap(r.queue); c > 0 && n >= c*80/100 {
		log.Printf("Warning: runtime queue at %d%% capacity (%d/%d)", n*100/c, n, c)
	}

	r.inFlight.Add(1)
	select {
	case r.queue <- env:
		if r.cfg.EnableMetrics {
			metrics.SetQueueDepth(len(r.queue))
		}
		return nil
	default:
	}

	timer := time.NewTimer(r.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case r.queue <- env:
		if r.cfg.EnableMetrics {
			metrics.SetQueueDepth(len(r.queue))
		}
		return nil
	case <-env.ctx.Done():
		r.inFlight.Add(-1)
		return env.ctx.Err()
	case <-r.done:
		r.inFlight.Add(-1)
		return agent.ErrRuntimeStopped
	case <-timer.C:
		r.inFlight.Add(-1)
		if r.cfg.EnableMetrics {
			metrics.RecordRuntimeMessage("enqueue", "timeout")
		}
		return fmt.Errorf("%w: queue full after %s", agent.ErrUndeliverable, r.cfg.EnqueueTimeout)
	}
}

func (r *LocalRuntime) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case env := <-r.queue:
			if r.cfg.EnableMetrics {
				metrics.SetQueueDepth(len(r.queue))
			}
			if env.topic != nil {
				r.fanOut(env)
			} else {
				r.route(env, env.recipient)
			}
		case <-r.done:
			return
		}
	}
}

// fanOut resolves a published envelope against the subscription table and
// hands one clone per recipient to its mailbox. The sender, if any, is
// skipped: an agent never receives its own publish.
func (r *LocalRuntime) fanOut(parent *envelope) {
	defer r.inFlight.Add(-1)
	for _, id := range r.subs.Recipients(*parent.topic) {
		if parent.sender != nil && *parent.sender == id {
			continue
		}
		child := &envelope{
			ctx:       parent.ctx,
			payload:   parent.payload,
			sender:    parent.sender,
			topic:     parent.topic,
			recipient: id,
			messageID: parent.messageID,
		}
		r.inFlight.Add(1)
		r.route(child, id)
	}
}

// route hands an envelope to the recipient's mailbox, spawning the mailbox
// goroutine on first touch. A full mailbox backpressures the dispatcher.
func (r *LocalRuntime) route(env *envelope, id agent.AgentID) {
	mb := r.mailboxFor(id)
	select {
	case mb <- env:
	case <-env.ctx.Done():
		env.fail(env.ctx.Err())
		r.inFlight.Add(-1)
	case <-r.done:
		env.fail(agent.ErrRuntimeStopped)
		r.inFlight.Add(-1)
	}
}

func (r *LocalRuntime) mailboxFor(id agent.AgentID) chan *envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mb, ok := r.mailboxes[id]; ok {
		return mb
	}
	mb := make(chan *envelope, r.cfg.MailboxSize)
	r.mailboxes[id] = mb
	r.wg.Add(1)
	go r.mailboxLoop(id, mb)
	return mb
}

// mailboxLoop serializes all deliveries to one AgentID: each envelope's
// handler runs to completion before the next is popped. Envelopes for
// different IDs run concurrently on their own loops.
func (r *LocalRuntime) mailboxLoop(id agent.AgentID, mb chan *envelope) {
	defer r.wg.Done()
	for {
		select {
		case env := <-mb:
			r.deliver(id, env)
		case <-r.done:
			return
		}
	}
}

func (r *LocalRuntime) deliver(id agent.AgentID, env *envelope) {
	defer r.inFlight.Add(-1)

	a, err := r.registry.GetOrCreate(id, r.self)
	if err != nil {
		if env.result != nil {
			env.fail(err)
		} else {
			log.Printf("[LocalRuntime] dropping message %s for %s: %v", env.messageID, id, err)
		}
		if r.cfg.EnableMetrics {
			metrics.RecordRuntimeMessage("deliver", "unroutable")
		}
		return
	}
	if r.cfg.EnableMetrics {
		metrics.SetActiveAgents(r.registry.InstanceCount())
	}

	if env.control != nil {
		v, err := env.control(env.ctx, a)
		env.result <- callResult{value: v, err: err}
		return
	}

	mctx := &agent.MessageContext{
		Sender:    env.sender,
		Topic:     env.topic,
		IsRPC:     env.result != nil,
		MessageID: env.messageID,
	}

	hctx, span := observability.StartSpanWithOtel(env.ctx, "agent.handle."+string(id.Type),
		trace.WithAttributes(attribute.String("agent.id", id.String())))
	start := time.Now()
	value, err := r.invoke(hctx, a, env.payload, mctx)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if r.cfg.EnableMetrics {
		metrics.RecordHandlerDuration(string(id.Type), time.Since(start))
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordRuntimeMessage("deliver", status)
	}

	if env.result != nil {
		env.result <- callResult{value: value, err: err}
		return
	}
	if err != nil {
		log.Printf("[LocalRuntime] handler error: agent=%s message=%s: %v", id, env.messageID, err)
	}
}

// invoke runs the handler with panic containment: a panicking handler fails
// its own message, never the runtime.
func (r *LocalRuntime) invoke(ctx context.Context, a agent.Agent, payload any, mctx *agent.MessageContext) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent %s panic: %v", a.ID(), rec)
		}
	}()
	return a.Handle(ctx, payload, mctx)
}

// Stop drains queued and executing messages, cascades included, then halts.
// The ctx bounds the drain: on expiry the runtime halts immediately,
// abandoning whatever is still queued, and pending SendMessage callers
// receive ErrRuntimeStopped. A stopped runtime cannot be restarted.
func (r *LocalRuntime) Stop(ctx context.Context) error {
	// Stopping before Start just seals the runtime.
	if r.state.CompareAndSwap(stateIdle, stateStopped) {
		close(r.done)
		close(r.stopped)
		return nil
	}
	if !r.state.CompareAndSwap(stateRunning, stateStopping) {
		select {
		case <-r.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := r.awaitIdle(ctx)
	close(r.done)
	r.state.Store(stateStopped)
	close(r.stopped)

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		log.Printf("[LocalRuntime] stop: abandoning %d in-flight messages", r.inFlight.Load())
		return fmt.Errorf("runtime stop: %w", ctx.Err())
	}
	if !drained {
		log.Printf("[LocalRuntime] stop: abandoned %d in-flight messages", r.inFlight.Load())
		return fmt.Errorf("runtime stop: %w", ctx.Err())
	}
	log.Printf("[LocalRuntime] stopped")
	return nil
}

// StopWhenIdle blocks until no message is queued or executing, then stops.
func (r *LocalRuntime) StopWhenIdle(ctx context.Context) error {
	return r.StopWhen(ctx, func() bool { return r.inFlight.Load() == 0 })
}

// StopWhen polls pred at StopPollInterval until it reports true, then stops.
func (r *LocalRuntime) StopWhen(ctx context.Context, pred func() bool) error {
	tick := time.NewTicker(r.cfg.StopPollInterval)
	defer tick.Stop()
	for !pred() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return r.Stop(ctx)
}

// awaitIdle polls until nothing is queued or executing. Reports false when
// ctx expired first.
func (r *LocalRuntime) awaitIdle(ctx context.Context) bool {
	tick := time.NewTicker(r.cfg.StopPollInterval)
	defer tick.Stop()
	for r.inFlight.Load() != 0 {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}

// InFlight reports queued plus executing messages.
func (r *LocalRuntime) InFlight() int64 {
	return r.inFlight.Load()
}

// Warm creates the instance for id now instead of on first delivery. Phased
// startup uses this to bring agents up in dependency order before traffic
// reaches them. Warming an already live instance is a no-op.
func (r *LocalRuntime) Warm(ctx context.Context, id agent.AgentID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := r.ensureRunning(); err != nil {
		return err
	}
	_, err := r.registry.GetOrCreate(id, r.self)
	return err
}

// SaveState snapshots every live Stateful agent, keyed by AgentID string.
// While the runtime is running each snapshot rides the agent's own mailbox
// as a control frame, so it can never interleave with that agent's handler;
// on an idle or stopped runtime the instances are read directly.
func (r *LocalRuntime) SaveState(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	running := r.state.Load() == stateRunning

	type pendingSnap struct {
		id  agent.AgentID
		res chan callResult
	}
	var waits []pendingSnap
	var firstErr error

	r.registry.EachInstance(func(id agent.AgentID, a agent.Agent) {
		if firstErr != nil {
			return
		}
		st, ok := a.(agent.Stateful)
		if !ok {
			return
		}
		if !running {
			snap, err := st.SaveState(ctx)
			if err != nil {
				firstErr = fmt.Errorf("save state of %s: %w", id, err)
				return
			}
			out[id.String()] = snap
			return
		}

		env := &envelope{
			ctx:       ctx,
			messageID: uuid.NewString(),
			result:    make(chan callResult, 1),
			control: func(cctx context.Context, a agent.Agent) (any, error) {
				s, ok := a.(agent.Stateful)
				if !ok {
					return map[string]any{}, nil
				}
				return s.SaveState(cctx)
			},
		}
		r.inFlight.Add(1)
		select {
		case r.mailboxFor(id) <- env:
			waits = append(waits, pendingSnap{id: id, res: env.result})
		case <-ctx.Done():
			r.inFlight.Add(-1)
			firstErr = ctx.Err()
		case <-r.done:
			r.inFlight.Add(-1)
			firstErr = agent.ErrRuntimeStopped
		}
	})

	for _, p := range waits {
		select {
		case res := <-p.res:
			if res.err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("save state of %s: %w", p.id, res.err)
				}
				continue
			}
			if snap, ok := res.value.(map[string]any); ok {
				out[p.id.String()] = snap
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		case <-r.done:
			if firstErr == nil {
				firstErr = agent.ErrRuntimeStopped
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// LoadState restores snapshots produced by SaveState, creating instances
// through their registered factories as needed. A snapshot keyed to a type
// with no factory fails with ErrUnknownAgentType. Snapshots for agents that
// are not Stateful are ignored.
func (r *LocalRuntime) LoadState(ctx context.Context, state map[string]map[string]any) error {
	running := r.state.Load() == stateRunning
	for key, snap := range state {
		id, err := agent.ParseAgentID(key)
		if err != nil {
			return fmt.Errorf("state key %q: %w", key, err)
		}
		if !r.registry.HasType(id.Type) {
			return fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, string(id.Type))
		}

		if !running {
			a, err := r.registry.GetOrCreate(id, r.self)
			if err != nil {
				return err
			}
			st, ok := a.(agent.Stateful)
			if !ok {
				continue
			}
			if err := st.LoadState(ctx, snap); err != nil {
				return fmt.Errorf("load state of %s: %w", id, err)
			}
			continue
		}

		env := &envelope{
			ctx:       ctx,
			messageID: uuid.NewString(),
			result:    make(chan callResult, 1),
			control: func(cctx context.Context, a agent.Agent) (any, error) {
				st, ok := a.(agent.Stateful)
				if !ok {
					return nil, nil
				}
				return nil, st.LoadState(cctx, snap)
			},
		}
		r.inFlight.Add(1)
		select {
		case r.mailboxFor(id) <- env:
		case <-ctx.Done():
			r.inFlight.Add(-1)
			return ctx.Err()
		case <-r.done:
			r.inFlight.Add(-1)
			return agent.ErrRuntimeStopped
		}
		select {
		case res := <-env.result:
			if res.err != nil {
				return fmt.Errorf("load state of %s: %w", id, res.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return agent.ErrRuntimeStopped
		}
	}
	return nil
}

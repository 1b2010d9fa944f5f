package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/internal/observability"
	metrics "github.com/agentry-dev/agentry/pkg/observability"
	"github.com/agentry-dev/agentry/proto"
)

// Worker is the cluster client runtime. It presents the same contract as
// LocalRuntime, so application code never knows which one it runs on, but
// registration, publish and send round-trip through the host over one
// persistent channel instead of resolving locally.
//
// Local agent instances, mailboxes and per-agent ordering reuse the local
// core; only resolution and transport differ. Payloads crossing the wire go
// through the configured codec registry, so every published or sent type
// needs a registered serializer.
type Worker struct {
	cfg       *RuntimeConfig
	addr      string
	tlsConfig *TLSConfig

	// local handles instance creation and serialized delivery. Its self
	// reference points back at this worker, so agents created for inbound
	// traffic publish through the host like everything else.
	local *LocalRuntime

	conn   *grpc.ClientConn
	stream proto.RuntimeService_OpenChannelClient

	pmu     sync.Mutex
	pending map[string]chan *proto.Frame

	out        chan *proto.Frame
	quit       chan struct{}
	writerDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	broken  atomic.Bool
	respWG  sync.WaitGroup
	wg      sync.WaitGroup
	stopped chan struct{}
}

// WorkerOption configures a Worker beyond the shared runtime options.
type WorkerOption func(*Worker)

// WithWorkerTLS configures TLS for the connection to the host.
func WithWorkerTLS(cfg *TLSConfig) WorkerOption {
	return func(w *Worker) {
		w.tlsConfig = cfg
	}
}

// NewWorker creates a cluster client runtime that will connect to the host
// at hostAddr. Options may be runtime Options or WorkerOptions. Call Start
// before registering factories or subscriptions; registration needs the
// channel for the host round trip.
func NewWorker(hostAddr string, opts ...any) *Worker {
	cfg := DefaultConfig()
	w := &Worker{
		cfg:     cfg,
		addr:    hostAddr,
		pending: make(map[string]chan *proto.Frame),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		switch o := opt.(type) {
		case Option:
			o(cfg)
		case WorkerOption:
			o(w)
		}
	}
	w.local = newLocalRuntime(cfg)
	w.local.self = w
	w.out = make(chan *proto.Frame, cfg.QueueSize)
	w.writerDone = make(chan struct{})
	return w
}

// Start connects to the host, opens the channel and launches the local
// delivery core. The connection attempt is bounded by DialTimeout.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(stateIdle, stateRunning) {
		if w.state.Load() == stateRunning {
			return errors.New("runtime already started")
		}
		return agent.ErrRuntimeStopped
	}

	dialOpts, err := buildDialOptions(w.tlsConfig)
	if err != nil {
		w.state.Store(stateIdle)
		return fmt.Errorf("failed to build dial options: %w", err)
	}

	conn, err := grpc.NewClient(w.addr, dialOpts...)
	if err != nil {
		w.state.Store(stateIdle)
		return fmt.Errorf("failed to connect to host at %s: %w", w.addr, err)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	// The stream must outlive the connection attempt, so it is opened on
	// the worker's own context and the attempt raced against the timeout.
	type openResult struct {
		stream proto.RuntimeService_OpenChannelClient
		err    error
	}
	opened := make(chan openResult, 1)
	go func() {
		s, err := proto.NewRuntimeServiceClient(conn).OpenChannel(w.ctx)
		opened <- openResult{stream: s, err: err}
	}()

	timer := time.NewTimer(w.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case res := <-opened:
		if res.err != nil {
			w.cancel()
			_ = conn.Close()
			w.state.Store(stateIdle)
			return fmt.Errorf("failed to open channel to host at %s: %w", w.addr, res.err)
		}
		w.stream = res.stream
	case <-timer.C:
		w.cancel()
		_ = conn.Close()
		w.state.Store(stateIdle)
		return fmt.Errorf("timed out connecting to host at %s after %s", w.addr, w.cfg.DialTimeout)
	}

	w.conn = conn
	if err := w.local.Start(); err != nil {
		w.cancel()
		_ = conn.Close()
		w.state.Store(stateIdle)
		return err
	}

	w.wg.Add(2)
	go w.writeLoop()
	go w.readLoop()

	log.Printf("[Worker] connected to host at %s", w.addr)
	return nil
}

// RegisterFactory binds an agent type locally, then claims it cluster-wide.
// The local duplicate check fails synchronously with ErrDuplicateAgentType;
// a host-side conflict fails with ErrAgentTypeConflict. Any remote failure
// rolls the local registration back, so a later retry is a fresh attempt.
func (w *Worker) RegisterFactory(agentType agent.AgentType, factory agent.Factory) error {
	if err := w.ensureRunning(); err != nil {
		return err
	}
	if err := w.local.RegisterFactory(agentType, factory); err != nil {
		return err
	}

	requestID := uuid.NewString()
	resp, err := w.roundTrip(requestID, &proto.Frame{Register: &proto.RegisterType{
		RequestID: requestID,
		Type:      string(agentType),
	}})
	if err != nil {
		w.local.registry.UnregisterFactory(agentType)
		return fmt.Errorf("registering %s with host: %w", string(agentType), err)
	}

	ack := resp.Ack
	if ack == nil || ack.Code != proto.CodeOK {
		w.local.registry.UnregisterFactory(agentType)
		if ack != nil && ack.Code == proto.CodeAlreadyExists {
			return fmt.Errorf("%w: %s", agent.ErrAgentTypeConflict, ack.Error)
		}
		return fmt.Errorf("registering %s with host: %s", string(agentType), ackFailure(ack))
	}
	return nil
}

// AddSubscription activates a routing rule locally and in the host's
// authoritative table. Only TypeSubscription rules have a wire form.
func (w *Worker) AddSubscription(sub agent.Subscription) error {
	if err := w.ensureRunning(); err != nil {
		return err
	}
	ts, ok := sub.(*agent.TypeSubscription)
	if !ok {
		return fmt.Errorf("%w: cluster runtime requires TypeSubscription rules", agent.ErrInvalidSubscription)
	}
	if err := ts.Validate(); err != nil {
		return err
	}

	// Local first: once the host starts routing matching events here, the
	// local table must already resolve them.
	if err := w.local.AddSubscription(sub); err != nil {
		return err
	}

	requestID := uuid.NewString()
	resp, err := w.roundTrip(requestID, &proto.Frame{AddSub: &proto.AddSubscription{
		RequestID: requestID,
		Subscription: proto.SubscriptionSpec{
			ID:        ts.ID(),
			TopicType: ts.TopicType(),
			AgentType: string(ts.AgentType()),
		},
	}})
	if err != nil {
		_ = w.local.RemoveSubscription(ts.ID())
		return fmt.Errorf("adding subscription %s to host: %w", ts.ID(), err)
	}

	ack := resp.Ack
	if ack == nil || ack.Code != proto.CodeOK {
		_ = w.local.RemoveSubscription(ts.ID())
		if ack != nil && ack.Code == proto.CodeAlreadyExists {
			return fmt.Errorf("%w: %s", agent.ErrDuplicateSubscription, ack.Error)
		}
		return fmt.Errorf("adding subscription %s to host: %s", ts.ID(), ackFailure(ack))
	}
	return nil
}

// RemoveSubscription deactivates a rule in the host's table, then locally.
func (w *Worker) RemoveSubscription(id string) error {
	if err := w.ensureRunning(); err != nil {
		return err
	}

	requestID := uuid.NewString()
	resp, err := w.roundTrip(requestID, &proto.Frame{RemoveSub: &proto.RemoveSubscription{
		RequestID: requestID,
		ID:        id,
	}})
	if err != nil {
		return fmt.Errorf("removing subscription %s from host: %w", id, err)
	}

	ack := resp.Ack
	if ack == nil || ack.Code != proto.CodeOK {
		if ack != nil && ack.Code == proto.CodeNotFound {
			return fmt.Errorf("%w: %s", agent.ErrUnknownSubscription, ack.Error)
		}
		return fmt.Errorf("removing subscription %s from host: %s", id, ackFailure(ack))
	}
	return w.local.RemoveSubscription(id)
}

// PublishMessage serializes the message and hands it to the host for
// resolution against the cluster-wide subscription table. Fire-and-forget:
// it returns once the frame is queued on the channel. A host-side rejection
// arrives later as a negative ack and is logged, publish failures having no
// caller to report to.
func (w *Worker) PublishMessage(ctx context.Context, message any, topic agent.TopicID, opts ...agent.MessageOption) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if err := w.ensureRunning(); err != nil {
		return err
	}
	o := agent.ApplyMessageOptions(opts...)
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}

	if w.cfg.Intervention != nil {
		mctx := &agent.MessageContext{Sender: o.Sender, Topic: &topic, MessageID: o.MessageID}
		out, err := w.cfg.Intervention.OnPublish(ctx, message, mctx)
		if err != nil {
			if errors.Is(err, agent.ErrMessageDropped) {
				if w.cfg.EnableMetrics {
					metrics.RecordRuntimeMessage("publish", "dropped")
				}
				return nil
			}
			return err
		}
		message = out
	}

	data, typeName, contentType, err := w.cfg.Codecs.Marshal(message)
	if err != nil {
		return err
	}

	_, span := observability.StartSpanWithOtel(ctx, "worker.publish."+topic.Type,
		trace.WithAttributes(
			attribute.String("topic.type", topic.Type),
			attribute.String("topic.source", topic.Source),
			attribute.String("message.id", o.MessageID),
		))
	defer span.End()

	frame := &proto.Frame{Publish: &proto.Publish{
		RequestID: uuid.NewString(),
		Event: proto.Event{
			MessageID: o.MessageID,
			Topic:     proto.TopicRef{Type: topic.Type, Source: topic.Source},
			Sender:    idToRef(o.Sender),
			Payload: proto.Payload{
				TypeName:    typeName,
				ContentType: contentType,
				Data:        data,
			},
		},
	}}
	if err := w.send(frame); err != nil {
		span.RecordError(err)
		return err
	}
	if w.cfg.EnableMetrics {
		metrics.RecordRuntimeMessage("publish", "accepted")
	}
	return nil
}

// SendMessage routes an awaited call through the host to whichever worker
// owns the recipient's type (possibly this one) and waits for the answer.
// Cancelling ctx abandons the wait; the remote delivery may still happen.
func (w *Worker) SendMessage(ctx context.Context, message any, recipient agent.AgentID, opts ...agent.MessageOption) (any, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	if err := w.ensureRunning(); err != nil {
		return nil, err
	}
	o := agent.ApplyMessageOptions(opts...)
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}

	if w.cfg.Intervention != nil {
		mctx := &agent.MessageContext{Sender: o.Sender, IsRPC: true, MessageID: o.MessageID}
		out, err := w.cfg.Intervention.OnSend(ctx, message, mctx)
		if err != nil {
			if w.cfg.EnableMetrics && errors.Is(err, agent.ErrMessageDropped) {
				metrics.RecordRuntimeMessage("send", "dropped")
			}
			return nil, err
		}
		message = out
	}

	data, typeName, contentType, err := w.cfg.Codecs.Marshal(message)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "worker.send."+string(recipient.Type),
		trace.WithAttributes(
			attribute.String("recipient", recipient.String()),
			attribute.String("message.id", o.MessageID),
		))
	defer span.End()

	requestID := uuid.NewString()
	waiter := w.addPending(requestID)
	defer w.removePending(requestID)
	if w.broken.Load() {
		// The channel died between the running check and registration; the
		// waiter would never be woken.
		return nil, fmt.Errorf("%w: connection to host lost", agent.ErrRuntimeStopped)
	}

	frame := &proto.Frame{Request: &proto.RpcRequest{
		RequestID: requestID,
		MessageID: o.MessageID,
		Target:    proto.AgentRef{Type: string(recipient.Type), Key: recipient.Key},
		Sender:    idToRef(o.Sender),
		Payload: proto.Payload{
			TypeName:    typeName,
			ContentType: contentType,
			Data:        data,
		},
	}}
	if err := w.send(frame); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if w.cfg.EnableMetrics {
		metrics.RecordRuntimeMessage("send", "accepted")
	}

	select {
	case f := <-waiter:
		if f == nil || f.Response == nil {
			return nil, fmt.Errorf("%w: connection to host lost", agent.ErrRuntimeStopped)
		}
		return w.decodeResponse(recipient, f.Response)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, agent.ErrRuntimeStopped
	}
}

// decodeResponse turns a wire response into the caller's (value, error).
func (w *Worker) decodeResponse(recipient agent.AgentID, resp *proto.RpcResponse) (any, error) {
	if resp.Error != "" {
		switch resp.Code {
		case proto.CodeNotFound:
			return nil, fmt.Errorf("%w: %s", agent.ErrUndeliverable, resp.Error)
		case proto.CodeResourceExhausted:
			return nil, fmt.Errorf("%w: %s", agent.ErrUndeliverable, resp.Error)
		case proto.CodeOK:
			// The remote handler itself failed; its message is the result.
			return nil, errors.New(resp.Error)
		default:
			return nil, fmt.Errorf("send to %s failed: %s", recipient, resp.Error)
		}
	}
	if resp.Payload == nil || resp.Payload.TypeName == "" {
		return nil, nil
	}
	return w.cfg.Codecs.Unmarshal(resp.Payload.Data, resp.Payload.TypeName, resp.Payload.ContentType)
}

// Stop drains local work, flushes the channel and disconnects. The half
// close tells the host to release this worker's leases cleanly; a crash
// reaches the same purge through the transport error path.
func (w *Worker) Stop(ctx context.Context) error {
	if w.state.CompareAndSwap(stateIdle, stateStopped) {
		close(w.stopped)
		return nil
	}
	if !w.state.CompareAndSwap(stateRunning, stateStopping) {
		<-w.stopped
		return nil
	}

	// Drain local handlers first: cascades may still publish through the
	// host until the last handler returns.
	drainErr := w.local.Stop(ctx)
	w.respWG.Wait()

	// Flush queued frames, then half-close so the host sees a clean EOF.
	close(w.quit)
	select {
	case <-w.writerDone:
	case <-ctx.Done():
	}

	w.cancel()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.failPending()
	w.wg.Wait()

	w.state.Store(stateStopped)
	close(w.stopped)
	log.Printf("[Worker] stopped")
	return drainErr
}

// StopWhenIdle blocks until nothing is queued, executing or awaiting a
// remote answer, then stops.
func (w *Worker) StopWhenIdle(ctx context.Context) error {
	return w.StopWhen(ctx, func() bool {
		return w.local.InFlight() == 0 && w.pendingCount() == 0
	})
}

// StopWhen polls pred until it reports true, then stops.
func (w *Worker) StopWhen(ctx context.Context, pred func() bool) error {
	ticker := time.NewTicker(w.cfg.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime stop: %w", ctx.Err())
		case <-ticker.C:
			if pred() {
				return w.Stop(ctx)
			}
		}
	}
}

// SaveState snapshots every live Stateful agent on this worker.
func (w *Worker) SaveState(ctx context.Context) (map[string]map[string]any, error) {
	return w.local.SaveState(ctx)
}

// LoadState restores snapshots onto this worker's local instances.
func (w *Worker) LoadState(ctx context.Context, state map[string]map[string]any) error {
	return w.local.LoadState(ctx, state)
}

// InFlight reports messages accepted by the local core but not yet handled.
func (w *Worker) InFlight() int64 {
	return w.local.InFlight()
}

// Warm creates the local instance for id now instead of on first delivery.
// Only types registered on this worker can be warmed; remote types have no
// local instances.
func (w *Worker) Warm(ctx context.Context, id agent.AgentID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := w.ensureRunning(); err != nil {
		return err
	}
	_, err := w.local.registry.GetOrCreate(id, w)
	return err
}

func (w *Worker) ensureRunning() error {
	if w.broken.Load() {
		return fmt.Errorf("%w: connection to host lost", agent.ErrRuntimeStopped)
	}
	switch w.state.Load() {
	case stateRunning:
		return nil
	case stateIdle:
		return agent.ErrRuntimeNotStarted
	default:
		return agent.ErrRuntimeStopped
	}
}

// send queues one outbound frame for the writer, applying backpressure up
// to the enqueue timeout when the channel queue is full.
func (w *Worker) send(f *proto.Frame) error {
	select {
	case w.out <- f:
		return nil
	case <-w.ctx.Done():
		return agent.ErrRuntimeStopped
	default:
	}

	log.Printf("[Worker] WARNING: outbound queue is full (%d frames)", cap(w.out))

	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case w.out <- f:
		return nil
	case <-w.ctx.Done():
		return agent.ErrRuntimeStopped
	case <-timer.C:
		return fmt.Errorf("%w: channel queue full after %s", agent.ErrUndeliverable, w.cfg.EnqueueTimeout)
	}
}

// writeLoop is the only sender on the stream. On quit it flushes what is
// queued and half-closes.
func (w *Worker) writeLoop() {
	defer w.wg.Done()
	defer close(w.writerDone)
	for {
		select {
		case f := <-w.out:
			if err := w.stream.Send(f); err != nil {
				log.Printf("[Worker] send to host failed: %v", err)
				return
			}
		case <-w.quit:
			for {
				select {
				case f := <-w.out:
					if err := w.stream.Send(f); err != nil {
						log.Printf("[Worker] send to host failed: %v", err)
						return
					}
				default:
					_ = w.stream.CloseSend()
					return
				}
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// readLoop dispatches inbound frames until the stream ends. An unexpected
// break marks the worker broken: local agents keep their state, but every
// runtime operation fails until the process restarts the worker.
func (w *Worker) readLoop() {
	defer w.wg.Done()
	for {
		f, err := w.stream.Recv()
		if err != nil {
			if w.state.Load() >= stateStopping || errors.Is(err, io.EOF) {
				return
			}
			log.Printf("[Worker] connection to host lost: %v", err)
			w.broken.Store(true)
			w.failPending()
			return
		}

		switch f.Kind() {
		case "event":
			w.handleEvent(f.Event)
		case "request":
			w.handleRequest(f.Request)
		case "response", "ack":
			w.deliverPending(f)
		default:
			log.Printf("[Worker] host sent unroutable frame kind %q", f.Kind())
		}
	}
}

// handleEvent re-resolves a routed event against the local subscription
// table and queues it for fan-out; the local core applies per-agent ordering
// and the sender skip. Undecodable or unqueueable events are logged and
// dropped, publish deliveries having no caller to answer.
func (w *Worker) handleEvent(ev *proto.Event) {
	if w.state.Load() != stateRunning {
		log.Printf("[Worker] dropping event %s: runtime stopping", ev.MessageID)
		return
	}
	payload, err := w.cfg.Codecs.Unmarshal(ev.Payload.Data, ev.Payload.TypeName, ev.Payload.ContentType)
	if err != nil {
		log.Printf("[Worker] dropping event %s: %v", ev.MessageID, err)
		return
	}

	topic := agent.TopicID{Type: ev.Topic.Type, Source: ev.Topic.Source}
	env := &envelope{
		ctx:       w.ctx,
		payload:   payload,
		sender:    refToID(ev.Sender),
		topic:     &topic,
		messageID: ev.MessageID,
	}
	if err := w.local.enqueue(env); err != nil {
		log.Printf("[Worker] dropping event %s: %v", ev.MessageID, err)
	}
}

// handleRequest runs a routed call against a local agent and answers with
// the correlated response.
func (w *Worker) handleRequest(req *proto.RpcRequest) {
	target := agent.AgentID{Type: agent.AgentType(req.Target.Type), Key: req.Target.Key}

	if w.state.Load() != stateRunning {
		w.respond(&proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeInternal,
			Error:     "worker is stopping",
		})
		return
	}

	if !w.local.registry.HasType(target.Type) {
		w.respond(&proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeNotFound,
			Error:     fmt.Sprintf("agent type %q not registered on this worker", req.Target.Type),
		})
		return
	}

	payload, err := w.cfg.Codecs.Unmarshal(req.Payload.Data, req.Payload.TypeName, req.Payload.ContentType)
	if err != nil {
		w.respond(&proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeInvalidArgument,
			Error:     err.Error(),
		})
		return
	}

	env := &envelope{
		ctx:       w.ctx,
		payload:   payload,
		sender:    refToID(req.Sender),
		recipient: target,
		messageID: req.MessageID,
		result:    make(chan callResult, 1),
	}
	if err := w.local.enqueue(env); err != nil {
		w.respond(&proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeResourceExhausted,
			Error:     err.Error(),
		})
		return
	}

	w.respWG.Add(1)
	go func() {
		defer w.respWG.Done()
		select {
		case res := <-env.result:
			w.respond(w.encodeResult(req.RequestID, res))
		case <-w.ctx.Done():
		}
	}()
}

// encodeResult builds the wire response for a completed local call.
func (w *Worker) encodeResult(requestID string, res callResult) *proto.RpcResponse {
	if res.err != nil {
		return &proto.RpcResponse{RequestID: requestID, Error: res.err.Error()}
	}
	if res.value == nil {
		return &proto.RpcResponse{RequestID: requestID}
	}
	data, typeName, contentType, err := w.cfg.Codecs.Marshal(res.value)
	if err != nil {
		return &proto.RpcResponse{
			RequestID: requestID,
			Code:      proto.CodeInternal,
			Error:     fmt.Sprintf("result not serializable: %v", err),
		}
	}
	return &proto.RpcResponse{
		RequestID: requestID,
		Payload: &proto.Payload{
			TypeName:    typeName,
			ContentType: contentType,
			Data:        data,
		},
	}
}

func (w *Worker) respond(resp *proto.RpcResponse) {
	if err := w.send(&proto.Frame{Response: resp}); err != nil {
		log.Printf("[Worker] response %s undeliverable: %v", resp.RequestID, err)
	}
}

// roundTrip sends a control frame and waits for its correlated ack.
func (w *Worker) roundTrip(requestID string, f *proto.Frame) (*proto.Frame, error) {
	waiter := w.addPending(requestID)
	defer w.removePending(requestID)
	if w.broken.Load() {
		return nil, fmt.Errorf("%w: connection to host lost", agent.ErrRuntimeStopped)
	}

	if err := w.send(f); err != nil {
		return nil, err
	}

	timer := time.NewTimer(w.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		if resp == nil {
			return nil, fmt.Errorf("%w: connection to host lost", agent.ErrRuntimeStopped)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no answer from host after %s", w.cfg.DialTimeout)
	case <-w.ctx.Done():
		return nil, agent.ErrRuntimeStopped
	}
}

func (w *Worker) addPending(requestID string) chan *proto.Frame {
	ch := make(chan *proto.Frame, 1)
	w.pmu.Lock()
	w.pending[requestID] = ch
	w.pmu.Unlock()
	return ch
}

func (w *Worker) removePending(requestID string) {
	w.pmu.Lock()
	delete(w.pending, requestID)
	w.pmu.Unlock()
}

func (w *Worker) pendingCount() int {
	w.pmu.Lock()
	defer w.pmu.Unlock()
	return len(w.pending)
}

// deliverPending hands a correlated frame to its waiter. A negative publish
// ack has no waiter and surfaces in the log instead.
func (w *Worker) deliverPending(f *proto.Frame) {
	id := f.RequestID()

	w.pmu.Lock()
	ch, ok := w.pending[id]
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
	w.pmu.Unlock()

	if !ok {
		if f.Ack != nil && f.Ack.Error != "" {
			log.Printf("[Worker] publish rejected by host: %s (%s)", f.Ack.Error, f.Ack.Code)
			if w.cfg.EnableMetrics {
				metrics.RecordRuntimeMessage("publish", "rejected")
			}
			return
		}
		log.Printf("[Worker] late frame %s has no waiter, dropping", id)
	}
}

// failPending wakes every waiter with a closed channel; they report the
// lost connection to their callers.
func (w *Worker) failPending() {
	w.pmu.Lock()
	defer w.pmu.Unlock()
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
}

func idToRef(id *agent.AgentID) *proto.AgentRef {
	if id == nil {
		return nil
	}
	return &proto.AgentRef{Type: string(id.Type), Key: id.Key}
}

func refToID(ref *proto.AgentRef) *agent.AgentID {
	if ref == nil {
		return nil
	}
	return &agent.AgentID{Type: agent.AgentType(ref.Type), Key: ref.Key}
}

// ackFailure renders a failed or absent ack for error messages.
func ackFailure(ack *proto.Ack) string {
	if ack == nil {
		return "malformed answer from host"
	}
	if ack.Error != "" {
		return ack.Error
	}
	return ack.Code
}

var (
	_ agent.Runtime = (*LocalRuntime)(nil)
	_ agent.Runtime = (*Worker)(nil)
)

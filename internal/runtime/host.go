package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/internal/observability"
	metrics "github.com/agentry-dev/agentry/pkg/observability"
	"github.com/agentry-dev/agentry/pkg/security"
	"github.com/agentry-dev/agentry/proto"
)

// Host is the cluster coordinator. It accepts worker channels, holds the
// authoritative subscription table and the agent-type ownership map, and
// routes every publish and send it receives to the owning worker
// connection(s).
//
// Ownership is a lease on connection liveness: when a worker's stream
// closes, every agent type and subscription attributed to that connection
// is purged atomically, and a later registration of the same type is a
// fresh claim, not a retry.
type Host struct {
	proto.UnimplementedRuntimeServiceServer

	cfg       *RuntimeConfig
	addr      string
	tlsConfig *TLSConfig
	limiter   *security.RateLimiter

	subs   *SubscriptionManager
	mu     sync.RWMutex
	conns  map[string]*hostConn
	owners map[agent.AgentType]*hostConn
	routes map[string]*pendingRoute

	server   *grpc.Server
	listener net.Listener
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// pendingRoute remembers where a routed RPC came from and where it went, so
// the response finds its way back and disconnects can fail it cleanly.
type pendingRoute struct {
	requestID string
	origin    *hostConn
	target    *hostConn
}

// hostConn is the server side of one worker channel. All outbound frames go
// through the out queue so a slow worker never blocks another connection's
// dispatch; the writer goroutine is the only sender on the stream.
type hostConn struct {
	id     string
	stream proto.RuntimeService_OpenChannelServer

	out       chan *proto.Frame
	done      chan struct{}
	closeOnce sync.Once

	// Mutated only by this connection's dispatch loop while holding the
	// host's lock; read at purge time after the loop has exited.
	subIDs     map[string]struct{}
	ownedTypes map[agent.AgentType]struct{}
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithTLS configures TLS for worker connections.
func WithTLS(cfg *TLSConfig) HostOption {
	return func(h *Host) {
		h.tlsConfig = cfg
	}
}

// WithRateLimit bounds how many frames per second each worker connection may
// submit. Zero or negative disables limiting.
func WithRateLimit(framesPerSecond float64, burst int) HostOption {
	return func(h *Host) {
		if framesPerSecond > 0 {
			h.limiter = security.NewRateLimiter(framesPerSecond, burst)
		}
	}
}

// NewHost creates a cluster coordinator that will listen on listenAddr
// (e.g. ":50051"). Options may be runtime Options or HostOptions.
func NewHost(listenAddr string, opts ...any) *Host {
	h := &Host{
		cfg:    DefaultConfig(),
		addr:   listenAddr,
		subs:   NewSubscriptionManager(),
		conns:  make(map[string]*hostConn),
		owners: make(map[agent.AgentType]*hostConn),
		routes: make(map[string]*pendingRoute),
	}

	for _, opt := range opts {
		switch o := opt.(type) {
		case Option:
			o(h.cfg)
		case HostOption:
			o(h)
		}
	}

	return h
}

// Start begins serving worker connections. It returns once the listener is
// bound; serving continues in the background until Stop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("host already started")
	}

	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}

	serverOpts, err := buildServerOptions(h.tlsConfig)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to configure server: %w", err)
	}

	if h.cfg.EnableMetrics {
		metrics.InitMetrics()
	}

	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.listener = lis
	h.server = grpc.NewServer(serverOpts...)
	proto.RegisterRuntimeServiceServer(h.server, h)

	go func() {
		log.Printf("[Host] gRPC server listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("[Host] gRPC server error: %v", err)
		}
	}()

	h.started = true
	return nil
}

// Stop disconnects every worker and shuts the server down. It waits for a
// graceful stop until ctx expires, then forces the remaining streams closed.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	server := h.server
	h.mu.Unlock()

	// Unblock every channel handler; GracefulStop then completes once they
	// have returned and purged their connections.
	h.cancel()

	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		server.Stop()
		<-done
		return fmt.Errorf("host stop: %w", ctx.Err())
	}
}

// ListenAddr returns the bound listener address, or the configured address
// before Start. Useful with ":0" in tests.
func (h *Host) ListenAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ConnectionCount returns the number of live worker connections.
func (h *Host) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// OwnedTypes returns the agent types currently leased to live connections.
func (h *Host) OwnedTypes() []agent.AgentType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	types := make([]agent.AgentType, 0, len(h.owners))
	for t := range h.owners {
		types = append(types, t)
	}
	return types
}

// OpenChannel implements the worker channel. One call per worker for the
// whole worker lifetime; returning closes the stream and releases every
// lease the connection held.
func (h *Host) OpenChannel(stream proto.RuntimeService_OpenChannelServer) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return status.Errorf(codes.Unavailable, "host is not accepting connections")
	}
	conn := &hostConn{
		id:         uuid.NewString(),
		stream:     stream,
		out:        make(chan *proto.Frame, h.cfg.QueueSize),
		done:       make(chan struct{}),
		subIDs:     make(map[string]struct{}),
		ownedTypes: make(map[agent.AgentType]struct{}),
	}
	h.conns[conn.id] = conn
	connected := len(h.conns)
	h.mu.Unlock()

	log.Printf("[Host] worker %s connected (%d total)", conn.id, connected)
	if h.cfg.EnableMetrics {
		metrics.SetWorkerConnections(connected)
	}
	defer h.dropConn(conn)

	// Single writer per stream; outbound frames funnel through conn.out.
	go func() {
		for {
			select {
			case f := <-conn.out:
				if err := stream.Send(f); err != nil {
					log.Printf("[Host] send to worker %s failed: %v", conn.id, err)
					return
				}
			case <-conn.done:
				return
			}
		}
	}()

	frames := make(chan *proto.Frame)
	recvErr := make(chan error, 1)
	go func() {
		for {
			f, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-h.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			return status.Errorf(codes.Unavailable, "host shutting down")
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Printf("[Host] worker %s stream closed: %v", conn.id, err)
			return err
		case f := <-frames:
			h.handleFrame(conn, f)
		}
	}
}

// handleFrame dispatches one inbound frame. A malformed or rejected frame
// never tears the channel down; the worker is told via ack or response.
func (h *Host) handleFrame(conn *hostConn, f *proto.Frame) {
	kind := f.Kind()
	start := time.Now()
	outcome := "ok"
	defer func() {
		if h.cfg.EnableMetrics {
			metrics.RecordGRPCRequest(kind, outcome, time.Since(start))
		}
	}()

	if h.limiter != nil && !h.limiter.Allow(conn.id) {
		outcome = "rate_limited"
		h.rejectFrame(conn, f, proto.CodeResourceExhausted, "rate limit exceeded")
		return
	}

	switch kind {
	case "register":
		outcome = h.handleRegister(conn, f.Register)
	case "add_subscription":
		outcome = h.handleAddSubscription(conn, f.AddSub)
	case "remove_subscription":
		outcome = h.handleRemoveSubscription(conn, f.RemoveSub)
	case "publish":
		outcome = h.handlePublish(conn, f.Publish)
	case "request":
		outcome = h.handleRequest(conn, f.Request)
	case "response":
		outcome = h.handleResponse(conn, f.Response)
	default:
		outcome = "invalid"
		log.Printf("[Host] worker %s sent unroutable frame kind %q", conn.id, kind)
	}
}

// rejectFrame answers a refused frame in the shape its sender expects: an
// ack for control frames, a response for RPC requests. Bare responses are
// never refused; dropping them would strand an awaiting caller elsewhere.
func (h *Host) rejectFrame(conn *hostConn, f *proto.Frame, code, msg string) {
	switch {
	case f.Request != nil:
		h.sendToConn(conn, &proto.Frame{Response: &proto.RpcResponse{
			RequestID: f.Request.RequestID,
			Code:      code,
			Error:     msg,
		}})
	case f.Response != nil:
		h.handleResponse(conn, f.Response)
	default:
		h.sendToConn(conn, &proto.Frame{Ack: &proto.Ack{
			RequestID: f.RequestID(),
			Code:      code,
			Error:     msg,
		}})
	}
}

func (h *Host) handleRegister(conn *hostConn, reg *proto.RegisterType) string {
	agentType := agent.AgentType(reg.Type)
	if !agentType.Valid() {
		h.ack(conn, reg.RequestID, proto.CodeInvalidArgument, fmt.Sprintf("invalid agent type %q", reg.Type))
		return "invalid"
	}

	h.mu.Lock()
	if owner, exists := h.owners[agentType]; exists {
		h.mu.Unlock()
		log.Printf("[Host] worker %s denied type %q: owned by connected worker %s", conn.id, reg.Type, owner.id)
		h.ack(conn, reg.RequestID, proto.CodeAlreadyExists,
			fmt.Sprintf("agent type %q already registered by a connected worker", reg.Type))
		return "conflict"
	}
	h.owners[agentType] = conn
	conn.ownedTypes[agentType] = struct{}{}
	owned := len(h.owners)
	h.mu.Unlock()

	log.Printf("[Host] worker %s registered type %q", conn.id, reg.Type)
	if h.cfg.EnableMetrics {
		metrics.SetOwnedAgentTypes(owned)
	}
	h.ack(conn, reg.RequestID, proto.CodeOK, "")
	return "ok"
}

func (h *Host) handleAddSubscription(conn *hostConn, add *proto.AddSubscription) string {
	spec := add.Subscription
	sub := agent.NewTypeSubscriptionWithID(spec.ID, spec.TopicType, agent.AgentType(spec.AgentType))
	if err := sub.Validate(); err != nil {
		h.ack(conn, add.RequestID, proto.CodeInvalidArgument, err.Error())
		return "invalid"
	}

	if err := h.subs.Add(sub); err != nil {
		h.ack(conn, add.RequestID, proto.CodeAlreadyExists, err.Error())
		return "conflict"
	}

	h.mu.Lock()
	conn.subIDs[spec.ID] = struct{}{}
	h.mu.Unlock()

	h.ack(conn, add.RequestID, proto.CodeOK, "")
	return "ok"
}

func (h *Host) handleRemoveSubscription(conn *hostConn, rem *proto.RemoveSubscription) string {
	h.mu.Lock()
	_, owned := conn.subIDs[rem.ID]
	if owned {
		delete(conn.subIDs, rem.ID)
	}
	h.mu.Unlock()

	if !owned {
		h.ack(conn, rem.RequestID, proto.CodeNotFound,
			fmt.Sprintf("subscription %q was not added by this connection", rem.ID))
		return "not_found"
	}

	if err := h.subs.Remove(rem.ID); err != nil {
		h.ack(conn, rem.RequestID, proto.CodeNotFound, err.Error())
		return "not_found"
	}

	h.ack(conn, rem.RequestID, proto.CodeOK, "")
	return "ok"
}

// handlePublish fans one event out to every connection owning a recipient
// type: one frame per distinct connection, however many of its local agents
// match. The publishing connection is included when its own types subscribe.
// Success is silent; the worker only hears back on failure.
func (h *Host) handlePublish(conn *hostConn, pub *proto.Publish) string {
	topic := agent.TopicID{Type: pub.Event.Topic.Type, Source: pub.Event.Topic.Source}
	if err := topic.Validate(); err != nil {
		h.ack(conn, pub.RequestID, proto.CodeInvalidArgument, err.Error())
		return "invalid"
	}

	_, span := observability.StartSpanWithOtel(h.ctx, "host.publish",
		trace.WithAttributes(
			attribute.String("topic.type", topic.Type),
			attribute.String("topic.source", topic.Source),
		),
	)
	defer span.End()

	recipients := h.subs.Recipients(topic)
	if len(recipients) == 0 {
		return "ok"
	}

	h.mu.RLock()
	targets := make(map[*hostConn]struct{})
	for _, id := range recipients {
		if owner, ok := h.owners[id.Type]; ok {
			targets[owner] = struct{}{}
		}
	}
	h.mu.RUnlock()

	span.SetAttributes(attribute.Int("fanout.connections", len(targets)))

	for target := range targets {
		if err := h.sendToConn(target, &proto.Frame{Event: &pub.Event}); err != nil {
			// The dying connection's purge will clean up; other recipients
			// still get the event.
			log.Printf("[Host] event %s undeliverable to worker %s: %v", pub.Event.MessageID, target.id, err)
		}
	}
	return "ok"
}

func (h *Host) handleRequest(conn *hostConn, req *proto.RpcRequest) string {
	if req.RequestID == "" {
		log.Printf("[Host] worker %s sent request without correlation id, dropping", conn.id)
		return "invalid"
	}

	targetType := agent.AgentType(req.Target.Type)

	h.mu.Lock()
	owner, ok := h.owners[targetType]
	if ok {
		h.routes[req.RequestID] = &pendingRoute{requestID: req.RequestID, origin: conn, target: owner}
	}
	h.mu.Unlock()

	if !ok {
		h.sendToConn(conn, &proto.Frame{Response: &proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeNotFound,
			Error:     fmt.Sprintf("no worker owns agent type %q", req.Target.Type),
		}})
		return "not_found"
	}

	if err := h.sendToConn(owner, &proto.Frame{Request: req}); err != nil {
		h.mu.Lock()
		delete(h.routes, req.RequestID)
		h.mu.Unlock()
		h.sendToConn(conn, &proto.Frame{Response: &proto.RpcResponse{
			RequestID: req.RequestID,
			Code:      proto.CodeInternal,
			Error:     fmt.Sprintf("owning worker unreachable: %v", err),
		}})
		return "error"
	}
	return "ok"
}

func (h *Host) handleResponse(conn *hostConn, resp *proto.RpcResponse) string {
	h.mu.Lock()
	route, ok := h.routes[resp.RequestID]
	delete(h.routes, resp.RequestID)
	h.mu.Unlock()

	if !ok {
		// Origin disconnected or the id was never routed; nothing to answer.
		log.Printf("[Host] response %s has no pending route, dropping", resp.RequestID)
		return "not_found"
	}

	if err := h.sendToConn(route.origin, &proto.Frame{Response: resp}); err != nil {
		log.Printf("[Host] response %s undeliverable to worker %s: %v", resp.RequestID, route.origin.id, err)
		return "error"
	}
	return "ok"
}

// ack queues a control acknowledgement on the connection.
func (h *Host) ack(conn *hostConn, requestID, code, msg string) {
	h.sendToConn(conn, &proto.Frame{Ack: &proto.Ack{
		RequestID: requestID,
		Code:      code,
		Error:     msg,
	}})
}

// sendToConn queues one outbound frame, waiting up to the enqueue timeout
// when the connection's queue is full.
func (h *Host) sendToConn(conn *hostConn, f *proto.Frame) error {
	select {
	case conn.out <- f:
		return nil
	case <-conn.done:
		return fmt.Errorf("connection %s closed", conn.id)
	default:
	}

	if h.cfg.EnableMetrics {
		log.Printf("[Host] WARNING: outbound queue for worker %s is full (%d frames)", conn.id, cap(conn.out))
	}

	timer := time.NewTimer(h.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case conn.out <- f:
		return nil
	case <-conn.done:
		return fmt.Errorf("connection %s closed", conn.id)
	case <-timer.C:
		return fmt.Errorf("timeout queueing frame for worker %s (queue full)", conn.id)
	}
}

// dropConn releases everything the connection leased: its type ownership,
// its subscriptions (atomically, so fan-out never sees a half-purged table)
// and its pending RPC routes. Runs exactly once, after the dispatch loop has
// exited.
func (h *Host) dropConn(conn *hostConn) {
	conn.closeOnce.Do(func() { close(conn.done) })

	h.mu.Lock()
	delete(h.conns, conn.id)
	for t := range conn.ownedTypes {
		delete(h.owners, t)
	}

	var failed []*pendingRoute
	for id, route := range h.routes {
		switch {
		case route.origin == conn:
			delete(h.routes, id)
		case route.target == conn:
			failed = append(failed, route)
			delete(h.routes, id)
		}
	}
	connected := len(h.conns)
	owned := len(h.owners)
	h.mu.Unlock()

	purged := h.subs.RemoveWhere(func(s agent.Subscription) bool {
		_, ok := conn.subIDs[s.ID()]
		return ok
	})

	if h.limiter != nil {
		h.limiter.Forget(conn.id)
	}

	// Callers awaiting an answer from the dead worker get a terminal error
	// instead of hanging.
	for _, route := range failed {
		h.sendToConn(route.origin, &proto.Frame{Response: &proto.RpcResponse{
			RequestID: route.requestID,
			Code:      proto.CodeInternal,
			Error:     "owning worker disconnected before answering",
		}})
	}

	log.Printf("[Host] worker %s disconnected (released %d types, %d subscriptions)",
		conn.id, len(conn.ownedTypes), len(purged))
	if h.cfg.EnableMetrics {
		metrics.SetWorkerConnections(connected)
		metrics.SetOwnedAgentTypes(owned)
	}
}

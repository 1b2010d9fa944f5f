package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/pkg/codec"
)

// wireNote is the JSON payload cluster tests ship between workers.
type wireNote struct {
	Text string `json:"text"`
}

// testCodecs builds a fresh registry per test so wire type names never
// collide across tests sharing the process.
func testCodecs(t *testing.T) *codec.Registry {
	t.Helper()
	reg := codec.NewRegistry()
	for _, s := range []codec.Serializer{
		codec.JSON[wireNote]("test.note"),
		codec.JSON[int]("test.round"),
		codec.JSON[string]("test.command"),
	} {
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register codec %s returned error: %v", s.TypeName(), err)
		}
	}
	return reg
}

func startedHost(t *testing.T, opts ...any) *Host {
	t.Helper()
	if testing.Short() {
		t.Skip("cluster tests dial loopback TCP")
	}
	opts = append([]any{WithMetrics(false)}, opts...)
	h := NewHost("127.0.0.1:0", opts...)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("host Start returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func startedWorker(t *testing.T, hostAddr string, opts ...any) *Worker {
	t.Helper()
	opts = append([]any{WithMetrics(false), WithDialTimeout(5 * time.Second)}, opts...)
	w := NewWorker(hostAddr, opts...)
	if err := w.Start(); err != nil {
		t.Fatalf("worker Start returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHost_StartStop(t *testing.T) {
	h := startedHost(t)

	addr := h.ListenAddr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("ListenAddr = %q, want a bound address", addr)
	}
	if got := h.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount = %d, want 0", got)
	}
	if err := h.Start(context.Background()); err == nil {
		t.Error("second Start returned nil, want error")
	}
}

func TestCluster_WorkerConnectDisconnect(t *testing.T) {
	h := startedHost(t)

	w := startedWorker(t, h.ListenAddr())
	waitFor(t, 5*time.Second, func() bool { return h.ConnectionCount() == 1 },
		"worker connection never appeared on the host")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Errorf("second Stop returned error: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return h.ConnectionCount() == 0 },
		"host still counts a disconnected worker")
}

func TestCluster_RegisterTypeConflict(t *testing.T) {
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr())
	w2 := startedWorker(t, h.ListenAddr())

	if err := w1.RegisterFactory("greeter", echoFactory); err != nil {
		t.Fatalf("w1 RegisterFactory returned error: %v", err)
	}

	err := w2.RegisterFactory("greeter", echoFactory)
	if !errors.Is(err, agent.ErrAgentTypeConflict) {
		t.Fatalf("w2 RegisterFactory error = %v, want ErrAgentTypeConflict", err)
	}

	// The failed attempt rolls back w2's local registration, so a retry
	// reports the cluster conflict again rather than a local duplicate.
	err = w2.RegisterFactory("greeter", echoFactory)
	if errors.Is(err, agent.ErrDuplicateAgentType) {
		t.Fatalf("retry error = %v, local registration was not rolled back", err)
	}
	if !errors.Is(err, agent.ErrAgentTypeConflict) {
		t.Fatalf("retry error = %v, want ErrAgentTypeConflict", err)
	}

	// Once the owner disconnects the lease is released and the retry wins.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w1.Stop(ctx); err != nil {
		t.Fatalf("w1 Stop returned error: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(h.OwnedTypes()) == 0 },
		"host still lists types owned by the stopped worker")

	if err := w2.RegisterFactory("greeter", echoFactory); err != nil {
		t.Fatalf("register after owner stopped returned error: %v", err)
	}
}

func TestCluster_SendAcrossWorkers(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	w2 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	type delivery struct {
		sender    *agent.AgentID
		isRPC     bool
		messageID string
	}
	seen := make(chan delivery, 1)
	err := w1.RegisterFactory("echoer", agent.ClosureFactory(
		func(_ context.Context, message any, mctx *agent.MessageContext) (any, error) {
			seen <- delivery{sender: mctx.Sender, isRPC: mctx.IsRPC, messageID: mctx.MessageID}
			return message, nil
		}))
	if err != nil {
		t.Fatalf("RegisterFactory returned error: %v", err)
	}

	caller := agent.NewAgentID("caller", "c-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := w2.SendMessage(ctx, wireNote{Text: "ping"},
		agent.NewAgentID("echoer", "e-1"), agent.WithSender(caller))
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	note, ok := res.(wireNote)
	if !ok || note.Text != "ping" {
		t.Fatalf("SendMessage result = %#v, want wireNote{ping}", res)
	}

	select {
	case d := <-seen:
		if !d.isRPC {
			t.Error("handler saw IsRPC = false, want true")
		}
		if d.messageID == "" {
			t.Error("handler saw an empty MessageID")
		}
		if d.sender == nil || *d.sender != caller {
			t.Errorf("handler saw sender %v, want %v", d.sender, caller)
		}
	default:
		t.Fatal("result arrived but the handler never recorded its delivery")
	}
}

func TestCluster_SendToUnownedType(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w.SendMessage(ctx, wireNote{Text: "hello"}, agent.NewAgentID("nobody", "n-1"))
	if !errors.Is(err, agent.ErrUndeliverable) {
		t.Fatalf("SendMessage error = %v, want ErrUndeliverable", err)
	}
}

func TestCluster_RemoteHandlerError(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	w2 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	err := w1.RegisterFactory("grumpy", agent.ClosureFactory(
		func(context.Context, any, *agent.MessageContext) (any, error) {
			return nil, errors.New("tool unavailable")
		}))
	if err != nil {
		t.Fatalf("RegisterFactory grumpy returned error: %v", err)
	}
	if err := w1.RegisterFactory("echoer", echoFactory); err != nil {
		t.Fatalf("RegisterFactory echoer returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := w2.SendMessage(ctx, wireNote{Text: "boom"}, agent.NewAgentID("grumpy", "g-1"))
	if err == nil || !strings.Contains(err.Error(), "tool unavailable") {
		t.Fatalf("SendMessage error = %v, want the remote handler's message", err)
	}
	if errors.Is(err, agent.ErrUndeliverable) {
		t.Errorf("handler failure misreported as a routing failure: %v", err)
	}
	if res != nil {
		t.Errorf("SendMessage result = %#v, want nil alongside the error", res)
	}

	// A handler failure must not poison the channel.
	res, err = w2.SendMessage(ctx, wireNote{Text: "again"}, agent.NewAgentID("echoer", "e-1"))
	if err != nil {
		t.Fatalf("SendMessage after handler failure returned error: %v", err)
	}
	if note, ok := res.(wireNote); !ok || note.Text != "again" {
		t.Errorf("SendMessage result = %#v, want wireNote{again}", res)
	}
}

func TestCluster_SendContextTimeout(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	w2 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	err := w1.RegisterFactory("sleeper", agent.ClosureFactory(
		func(ctx context.Context, message any, _ *agent.MessageContext) (any, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return message, nil
		}))
	if err != nil {
		t.Fatalf("RegisterFactory returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = w2.SendMessage(ctx, wireNote{Text: "slow"}, agent.NewAgentID("sleeper", "s-1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendMessage error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCluster_PublishPartitionsBySource(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	w2 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	log := newRecordingLog()
	if err := w1.RegisterFactory("listener", recordingFactory(log)); err != nil {
		t.Fatalf("RegisterFactory returned error: %v", err)
	}
	if err := w1.AddSubscription(agent.NewTypeSubscription("events", "listener")); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}

	ctx := context.Background()
	for _, pub := range []struct{ text, source string }{
		{"one", "a"}, {"two", "a"}, {"three", "b"},
	} {
		if err := w2.PublishMessage(ctx, wireNote{Text: pub.text},
			agent.NewTopicID("events", pub.source)); err != nil {
			t.Fatalf("PublishMessage(%s) returned error: %v", pub.source, err)
		}
	}

	idA := agent.NewAgentID("listener", "a").String()
	idB := agent.NewAgentID("listener", "b").String()
	waitFor(t, 5*time.Second, func() bool { return log.count(idA) == 2 && log.count(idB) == 1 },
		"deliveries never settled at a=2 b=1")

	time.Sleep(100 * time.Millisecond)
	if got := log.total(); got != 3 {
		t.Errorf("total deliveries = %d, want 3", got)
	}
	if got := log.get(idA); len(got) != 2 || got[0] != "{one}" || got[1] != "{two}" {
		t.Errorf("listener/a received %v, want [{one} {two}] in publish order", got)
	}
}

func TestCluster_PublishExcludesSender(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	log := newRecordingLog()
	for _, typ := range []agent.AgentType{"alpha", "beta"} {
		if err := w.RegisterFactory(typ, recordingFactory(log)); err != nil {
			t.Fatalf("RegisterFactory %s returned error: %v", typ, err)
		}
		if err := w.AddSubscription(agent.NewTypeSubscription("loop", typ)); err != nil {
			t.Fatalf("AddSubscription %s returned error: %v", typ, err)
		}
	}

	sender := agent.NewAgentID("alpha", "k")
	err := w.PublishMessage(context.Background(), wireNote{Text: "ring"},
		agent.NewTopicID("loop", "k"), agent.WithSender(sender))
	if err != nil {
		t.Fatalf("PublishMessage returned error: %v", err)
	}

	idBeta := agent.NewAgentID("beta", "k").String()
	waitFor(t, 5*time.Second, func() bool { return log.count(idBeta) == 1 },
		"beta/k never received the publish")
	time.Sleep(100 * time.Millisecond)
	if got := log.count(sender.String()); got != 0 {
		t.Errorf("sender received its own publish %d times, want 0", got)
	}
}

func TestCluster_DefaultSubscription(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	log := newRecordingLog()
	if err := w.RegisterFactory("clerk", recordingFactory(log)); err != nil {
		t.Fatalf("RegisterFactory returned error: %v", err)
	}
	if err := w.AddSubscription(agent.NewDefaultSubscription("clerk")); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}

	err := w.PublishMessage(context.Background(), wireNote{Text: "hi"},
		agent.NewTopicID(agent.DefaultTopicType, "session-1"))
	if err != nil {
		t.Fatalf("PublishMessage returned error: %v", err)
	}

	id := agent.NewAgentID("clerk", "session-1").String()
	waitFor(t, 5*time.Second, func() bool { return log.count(id) == 1 },
		"clerk/session-1 never received the default-topic publish")
}

func TestCluster_CascadeThroughHost(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	const rounds = 3
	var hits atomic.Int64
	for _, typ := range []agent.AgentType{"relay-a", "relay-b"} {
		if err := w.RegisterFactory(typ, cascadeFactory("chain", rounds, &hits)); err != nil {
			t.Fatalf("RegisterFactory %s returned error: %v", typ, err)
		}
		if err := w.AddSubscription(agent.NewTypeSubscription("chain", typ)); err != nil {
			t.Fatalf("AddSubscription %s returned error: %v", typ, err)
		}
	}

	if err := w.PublishMessage(context.Background(), 0, agent.NewTopicID("chain", "run-1")); err != nil {
		t.Fatalf("PublishMessage returned error: %v", err)
	}

	// Round zero reaches both relays; each republish then reaches only the
	// other relay: 2 + 2 + 2.
	waitFor(t, 10*time.Second, func() bool { return hits.Load() == 6 },
		"cascade never converged")
	time.Sleep(100 * time.Millisecond)
	if got := hits.Load(); got != 6 {
		t.Errorf("cascade handler invocations = %d, want 6", got)
	}
}

func TestCluster_SubscriptionLifecycle(t *testing.T) {
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr())
	w2 := startedWorker(t, h.ListenAddr())

	if err := w1.RegisterFactory("sub", echoFactory); err != nil {
		t.Fatalf("w1 RegisterFactory returned error: %v", err)
	}
	if err := w2.RegisterFactory("sub2", echoFactory); err != nil {
		t.Fatalf("w2 RegisterFactory returned error: %v", err)
	}

	if err := w1.AddSubscription(agent.NewTypeSubscriptionWithID("s-1", "events", "sub")); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}
	if !h.subs.Has("s-1") {
		t.Fatal("host table does not hold the added subscription")
	}

	// Same ID again on the same worker fails locally.
	err := w1.AddSubscription(agent.NewTypeSubscriptionWithID("s-1", "events", "sub"))
	if !errors.Is(err, agent.ErrDuplicateSubscription) {
		t.Fatalf("duplicate add error = %v, want ErrDuplicateSubscription", err)
	}

	// Same ID from another worker fails at the host and rolls back there.
	err = w2.AddSubscription(agent.NewTypeSubscriptionWithID("s-1", "events", "sub2"))
	if !errors.Is(err, agent.ErrDuplicateSubscription) {
		t.Fatalf("cross-worker duplicate add error = %v, want ErrDuplicateSubscription", err)
	}

	if err := w1.RemoveSubscription("s-1"); err != nil {
		t.Fatalf("RemoveSubscription returned error: %v", err)
	}
	if h.subs.Has("s-1") {
		t.Error("host table still holds the removed subscription")
	}
	err = w1.RemoveSubscription("s-1")
	if !errors.Is(err, agent.ErrUnknownSubscription) {
		t.Fatalf("second remove error = %v, want ErrUnknownSubscription", err)
	}

	// The ID is free again, and w2's failed attempt left no local residue
	// that would block the retry.
	if err := w2.AddSubscription(agent.NewTypeSubscriptionWithID("s-1", "events", "sub2")); err != nil {
		t.Fatalf("re-add after removal returned error: %v", err)
	}
	if got := h.subs.Len(); got != 1 {
		t.Errorf("host subscription count = %d, want 1", got)
	}

	// Stopping a worker purges its leases and rules but nobody else's.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w2.Stop(ctx); err != nil {
		t.Fatalf("w2 Stop returned error: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return h.ConnectionCount() == 1 && h.subs.Len() == 0 && len(h.OwnedTypes()) == 1
	}, "host did not purge the stopped worker's state")
}

func TestCluster_StatefulAgentOverWire(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w1 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	w2 := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))

	if err := w1.RegisterFactory("counter", counterFactory); err != nil {
		t.Fatalf("RegisterFactory returned error: %v", err)
	}

	target := agent.NewAgentID("counter", "c-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for want := 1; want <= 2; want++ {
		res, err := w2.SendMessage(ctx, "add", target)
		if err != nil {
			t.Fatalf("SendMessage add #%d returned error: %v", want, err)
		}
		if got, ok := res.(int); !ok || got != want {
			t.Fatalf("count after add #%d = %#v, want %d", want, res, want)
		}
	}

	snap, err := w1.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}
	state, ok := snap[target.String()]
	if !ok {
		t.Fatalf("snapshot is missing %s: %v", target, snap)
	}
	if state["count"] != 2 {
		t.Errorf("saved count = %v, want 2", state["count"])
	}
}

func TestWorker_LifecycleErrors(t *testing.T) {
	h := startedHost(t)

	idle := NewWorker(h.ListenAddr(), WithMetrics(false))
	if err := idle.RegisterFactory("x", echoFactory); !errors.Is(err, agent.ErrRuntimeNotStarted) {
		t.Errorf("RegisterFactory before Start error = %v, want ErrRuntimeNotStarted", err)
	}
	if err := idle.AddSubscription(agent.NewTypeSubscription("t", "x")); !errors.Is(err, agent.ErrRuntimeNotStarted) {
		t.Errorf("AddSubscription before Start error = %v, want ErrRuntimeNotStarted", err)
	}
	if err := idle.PublishMessage(context.Background(), "m", agent.NewTopicID("t", "s")); !errors.Is(err, agent.ErrRuntimeNotStarted) {
		t.Errorf("PublishMessage before Start error = %v, want ErrRuntimeNotStarted", err)
	}
	if _, err := idle.SendMessage(context.Background(), "m", agent.NewAgentID("x", "k")); !errors.Is(err, agent.ErrRuntimeNotStarted) {
		t.Errorf("SendMessage before Start error = %v, want ErrRuntimeNotStarted", err)
	}
	if err := idle.Stop(context.Background()); err != nil {
		t.Errorf("Stop of a never-started worker returned error: %v", err)
	}

	w := startedWorker(t, h.ListenAddr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := w.PublishMessage(context.Background(), "m", agent.NewTopicID("t", "s")); !errors.Is(err, agent.ErrRuntimeStopped) {
		t.Errorf("PublishMessage after Stop error = %v, want ErrRuntimeStopped", err)
	}
}

func TestHost_RateLimitRejectsFrames(t *testing.T) {
	h := startedHost(t, WithRateLimit(1, 1))
	w := startedWorker(t, h.ListenAddr())

	if err := w.RegisterFactory("first", echoFactory); err != nil {
		t.Fatalf("first register returned error: %v", err)
	}
	err := w.RegisterFactory("second", echoFactory)
	if err == nil {
		t.Fatal("second register succeeded, want a rate limit rejection")
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("error = %v, want a rate limit rejection", err)
	}

	// The rejection rolled back locally, so the retry succeeds once the
	// limiter refills.
	waitFor(t, 5*time.Second, func() bool { return w.RegisterFactory("second", echoFactory) == nil },
		"register never succeeded after the limiter refilled")
}

func TestCluster_HostStopBreaksWorkers(t *testing.T) {
	reg := testCodecs(t)
	h := startedHost(t)
	w := startedWorker(t, h.ListenAddr(), WithCodecRegistry(reg))
	waitFor(t, 5*time.Second, func() bool { return h.ConnectionCount() == 1 },
		"worker connection never appeared on the host")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("host Stop returned error: %v", err)
	}

	// The worker notices the broken channel and refuses further work.
	waitFor(t, 5*time.Second, func() bool {
		err := w.PublishMessage(context.Background(), wireNote{Text: "x"}, agent.NewTopicID("t", "s"))
		return errors.Is(err, agent.ErrRuntimeStopped)
	}, "worker kept accepting work after the host went away")
}

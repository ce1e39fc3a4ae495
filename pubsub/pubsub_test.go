package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport/local"
)

func drain(t *testing.T, h *registry.ChannelHandle, timeout time.Duration) []any {
	t.Helper()
	var out []any
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.C():
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func TestNewRejectsDuplicateName(t *testing.T) {
	cluster := local.NewCluster()
	node := cluster.NewNode("a")
	t.Cleanup(func() { Unregister("dup") })

	if _, err := New(Options{Name: "dup", Transport: node}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := New(Options{Name: "dup", Transport: node}); err == nil {
		t.Fatal("expected second registration under the same name to fail")
	}
}

func TestNewRequiresNameAndTransport(t *testing.T) {
	if _, err := New(Options{Transport: local.NewCluster().NewNode("a")}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := New(Options{Name: "x"}); err == nil {
		t.Fatal("expected error for missing transport")
	}
}

func TestLookupMissingInstance(t *testing.T) {
	if _, ok := Lookup("does-not-exist"); ok {
		t.Fatal("expected lookup of unregistered instance to fail")
	}
}

func TestSubscribeAndLocalBroadcastDeliversToSelf(t *testing.T) {
	cluster := local.NewCluster()
	node := cluster.NewNode("local-only")
	t.Cleanup(func() { Unregister("p1") })

	inst, err := New(Options{Name: "p1", Transport: node, PoolSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)

	h := registry.NewChannelHandle(4)
	if err := inst.Subscribe("room:1", h, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	inst.LocalBroadcast("room:1", "hello", "")

	got := drain(t, h, 200*time.Millisecond)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected local delivery of hello, got %v", got)
	}
}

func TestLocalBroadcastFromSkipsSender(t *testing.T) {
	cluster := local.NewCluster()
	node := cluster.NewNode("local-skip")
	t.Cleanup(func() { Unregister("p2") })

	inst, err := New(Options{Name: "p2", Transport: node, PoolSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)

	sender := registry.NewChannelHandle(4)
	listener := registry.NewChannelHandle(4)
	_ = inst.Subscribe("room:2", sender, nil)
	_ = inst.Subscribe("room:2", listener, nil)

	inst.LocalBroadcastFrom(sender, "room:2", "hi", "")

	if got := drain(t, sender, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected sender to be skipped, got %v", got)
	}
	if got := drain(t, listener, 200*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected listener to receive, got %v", got)
	}
}

func TestBroadcastReachesLocalAndRemoteSubscribers(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a")
	nodeB := cluster.NewNode("b")
	t.Cleanup(func() { Unregister("cluster") })

	instA, err := New(Options{Name: "cluster", Transport: nodeA, PoolSize: 1})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	// Cross-node fan-out addresses the peer's receivers by instance name, so
	// both simulated nodes use the same name. The instance table is
	// process-wide and holds one instance per name, so node a's entry is
	// released before node b's instance registers.
	Unregister("cluster")
	instB, err := New(Options{Name: "cluster", Transport: nodeB, PoolSize: 1})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instA.Start(ctx)
	instB.Start(ctx)

	localHandle := registry.NewChannelHandle(4)
	remoteHandle := registry.NewChannelHandle(4)
	_ = instA.Subscribe("chat", localHandle, nil)
	_ = instB.Subscribe("chat", remoteHandle, nil)

	if err := instA.Broadcast("chat", "msg", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if got := drain(t, localHandle, 200*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected local subscriber to receive, got %v", got)
	}
	if got := drain(t, remoteHandle, 300*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected remote subscriber to receive, got %v", got)
	}
}

func TestDirectBroadcastDoesNotReachLocalSubscribers(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a2")
	nodeB := cluster.NewNode("b2")
	t.Cleanup(func() { Unregister("direct") })

	// Same instance name on both nodes, as in the broadcast test above.
	instA, _ := New(Options{Name: "direct", Transport: nodeA, PoolSize: 1})
	Unregister("direct")
	instB, _ := New(Options{Name: "direct", Transport: nodeB, PoolSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instA.Start(ctx)
	instB.Start(ctx)

	localHandle := registry.NewChannelHandle(4)
	remoteHandle := registry.NewChannelHandle(4)
	_ = instA.Subscribe("t", localHandle, nil)
	_ = instB.Subscribe("t", remoteHandle, nil)

	if err := instA.DirectBroadcast("b2", "t", "x", ""); err != nil {
		t.Fatalf("direct broadcast: %v", err)
	}

	if got := drain(t, localHandle, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected no local delivery from direct broadcast, got %v", got)
	}
	if got := drain(t, remoteHandle, 300*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected target node to receive, got %v", got)
	}
}

func TestMustBroadcastPanicsOnUnknownPeerDirect(t *testing.T) {
	cluster := local.NewCluster()
	node := cluster.NewNode("solo")
	t.Cleanup(func() { Unregister("solo-ps") })

	inst, err := New(Options{Name: "solo-ps", Transport: node, PoolSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic from MustDirectBroadcast on unknown peer")
		}
		if _, ok := r.(*BroadcastError); !ok {
			t.Fatalf("expected *BroadcastError panic, got %T", r)
		}
	}()
	inst.MustDirectBroadcast("ghost", "t", "x", "")
}

func TestPackageLevelWrappersDelegateToNamedInstance(t *testing.T) {
	cluster := local.NewCluster()
	node := cluster.NewNode("wrap")
	t.Cleanup(func() { Unregister("wrap-ps") })

	if _, err := New(Options{Name: "wrap-ps", Transport: node, PoolSize: 1}); err != nil {
		t.Fatalf("new: %v", err)
	}
	inst, _ := Lookup("wrap-ps")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)

	h := registry.NewChannelHandle(4)
	if err := Subscribe("wrap-ps", "topic", h, nil); err != nil {
		t.Fatalf("package-level subscribe: %v", err)
	}
	LocalBroadcast("wrap-ps", "topic", "via-package-level", "")

	if got := drain(t, h, 200*time.Millisecond); len(got) != 1 || got[0] != "via-package-level" {
		t.Fatalf("expected delivery via package-level wrapper, got %v", got)
	}

	Unsubscribe("wrap-ps", "topic", h)
	LocalBroadcast("wrap-ps", "topic", "after-unsubscribe", "")
	if got := drain(t, h, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %v", got)
	}
}

func TestPackageLevelOperationsOnMissingInstance(t *testing.T) {
	if err := Broadcast("no-such-instance", "t", "x", ""); err == nil {
		t.Fatal("expected error broadcasting on unregistered instance")
	}
	if err := DirectBroadcast("no-such-instance", "node", "t", "x", ""); err == nil {
		t.Fatal("expected error direct-broadcasting on unregistered instance")
	}
	// Unsubscribe/LocalBroadcast on a missing instance must not panic.
	Unsubscribe("no-such-instance", "t", registry.NewChannelHandle(1))
	LocalBroadcast("no-such-instance", "t", "x", "")
}

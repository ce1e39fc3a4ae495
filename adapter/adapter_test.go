package adapter

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

func TestBroadcastReachesPeerNode(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a")
	nodeB := cluster.NewNode("b")

	regA := registry.New(registry.Config{Shards: 4})
	regB := registry.New(registry.Config{Shards: 4})

	adapterA, err := New(Config{Name: "ps", PoolSize: 2, BroadcastPoolSize: 2, Registry: regA, Transport: nodeA})
	if err != nil {
		t.Fatalf("new adapter a: %v", err)
	}
	adapterB, err := New(Config{Name: "ps", PoolSize: 2, BroadcastPoolSize: 2, Registry: regB, Transport: nodeB})
	if err != nil {
		t.Fatalf("new adapter b: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapterA.Start(ctx)
	adapterB.Start(ctx)

	h := registry.NewChannelHandle(4)
	if err := regB.Subscribe("t", h, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := adapterA.Broadcast("t", "x", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	got := drain(t, h, 500*time.Millisecond)
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected node b subscriber to receive x, got %v", got)
	}
}

func TestDirectBroadcastOnlyReachesTargetNode(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a")
	nodeB := cluster.NewNode("b")
	nodeC := cluster.NewNode("c")

	regB := registry.New(registry.Config{Shards: 1})
	regC := registry.New(registry.Config{Shards: 1})

	adapterA, _ := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 1, Registry: registry.New(registry.Config{Shards: 1}), Transport: nodeA})
	adapterB, _ := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 1, Registry: regB, Transport: nodeB})
	adapterC, _ := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 1, Registry: regC, Transport: nodeC})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapterA.Start(ctx)
	adapterB.Start(ctx)
	adapterC.Start(ctx)

	hb := registry.NewChannelHandle(4)
	hc := registry.NewChannelHandle(4)
	_ = regB.Subscribe("t", hb, nil)
	_ = regC.Subscribe("t", hc, nil)

	if err := adapterA.DirectBroadcast("b", "t", "x", ""); err != nil {
		t.Fatalf("direct broadcast: %v", err)
	}

	if got := drain(t, hb, 300*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected node b to receive, got %v", got)
	}
	if got := drain(t, hc, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected node c to receive nothing, got %v", got)
	}
}

func TestDirectBroadcastUnknownPeer(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a")
	reg := registry.New(registry.Config{Shards: 1})
	adapterA, _ := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 1, Registry: reg, Transport: nodeA})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapterA.Start(ctx)

	err := adapterA.DirectBroadcast("ghost", "t", "x", "")
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestNewRejectsInvalidPoolSizes(t *testing.T) {
	reg := registry.New(registry.Config{Shards: 1})
	cluster := local.NewCluster()
	node := cluster.NewNode("a")

	if _, err := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 2, Registry: reg, Transport: node}); err == nil {
		t.Fatal("expected error when broadcast_pool_size > pool_size")
	}
}

func TestPoolSizeMigrationBroadcastFromSmallerPoolReachesLargerPool(t *testing.T) {
	cluster := local.NewCluster()
	nodeA := cluster.NewNode("a") // still on the old pool size
	nodeB := cluster.NewNode("b") // rolled forward to the new pool size, not yet sending on it

	regA := registry.New(registry.Config{Shards: 1})
	regB := registry.New(registry.Config{Shards: 1})

	adapterA, _ := New(Config{Name: "ps", PoolSize: 1, BroadcastPoolSize: 1, Registry: regA, Transport: nodeA})
	adapterB, _ := New(Config{Name: "ps", PoolSize: 2, BroadcastPoolSize: 1, Registry: regB, Transport: nodeB})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapterA.Start(ctx)
	adapterB.Start(ctx)

	h := registry.NewChannelHandle(4)
	_ = regB.Subscribe("any-topic", h, nil)

	if err := adapterA.Broadcast("any-topic", "x", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	got := drain(t, h, 300*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expected broadcast from pool_size=1 node to reach pool_size=2 node, got %v", got)
	}
}

// Package adapter implements the per-node broadcast plane described in
// spec §4.C: cluster-wide fan-out of a topic message to every peer's local
// registry, plus the safe pool-size migration protocol of §4.H.
package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/dispatch"
	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/internal/telemetry"
	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport"
)

// ForwardMessage is the wire shape for cross-node pub/sub fan-out, per
// spec §6: {forward, topic, message, dispatcher_id, origin_node}.
type ForwardMessage struct {
	Topic        string
	Message      any
	DispatcherID string
	Origin       transport.NodeName
}

// Config configures an Adapter.
type Config struct {
	// Name identifies this PubSub instance's adapter; receiver endpoints are
	// registered as "Name#0".."Name#(PoolSize-1)".
	Name string
	// PoolSize is the number of receive shards this node listens on.
	PoolSize int
	// BroadcastPoolSize is the number of shards used when sending. Must be
	// <= PoolSize (spec invariant for pool-size migration).
	BroadcastPoolSize int
	// Registry is the local registry local-dispatch targets.
	Registry *registry.Registry
	// Transport is the cluster transport used for cross-node fan-out.
	Transport transport.ClusterTransport
	// Meter, if non-nil, receives broadcast instrumentation.
	Meter metric.Meter
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return errs.New("adapter/new", errs.CodeConfigInvalid, errs.WithMessage("pool_size must be positive"))
	}
	if c.BroadcastPoolSize <= 0 {
		return errs.New("adapter/new", errs.CodeConfigInvalid, errs.WithMessage("broadcast_pool_size must be positive"))
	}
	if c.BroadcastPoolSize > c.PoolSize {
		return errs.New("adapter/new", errs.CodeConfigInvalid,
			errs.WithMessage("broadcast_pool_size must be <= pool_size"))
	}
	if c.Registry == nil {
		return errs.New("adapter/new", errs.CodeConfigInvalid, errs.WithMessage("registry required"))
	}
	if c.Transport == nil {
		return errs.New("adapter/new", errs.CodeConfigInvalid, errs.WithMessage("transport required"))
	}
	return nil
}

// Adapter is a per-PubSub-instance broadcaster.
type Adapter struct {
	cfg Config

	mu          sync.Mutex
	unregisters []func()
	running     bool

	broadcastCounter metric.Int64Counter
	resultCounter    metric.Int64Counter
}

// New constructs an Adapter. Call Start to register its receiver endpoints.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg}
	if cfg.Meter != nil {
		a.broadcastCounter, _ = cfg.Meter.Int64Counter("adapter.broadcast.sent",
			metric.WithDescription("Number of cross-node broadcast sends"),
			metric.WithUnit("{message}"))
		a.resultCounter, _ = cfg.Meter.Int64Counter("adapter.direct_broadcast.result",
			metric.WithDescription("Outcome of direct_broadcast calls by result classification"),
			metric.WithUnit("{call}"))
	}
	return a, nil
}

func (a *Adapter) recordResult(result string) {
	if a.resultCounter == nil {
		return
	}
	a.resultCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), a.cfg.Name, "direct_broadcast", result)...))
}

// Start registers PoolSize receiver endpoints, each backed by its own
// goroutine — "each receiver endpoint is an independent concurrent worker;
// the number of workers = pool_size" (spec §4.C).
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	for i := 0; i < a.cfg.PoolSize; i++ {
		proc := receiverName(a.cfg.Name, i)
		ch, unregister := a.cfg.Transport.Register(proc)
		a.unregisters = append(a.unregisters, unregister)
		go a.receiveLoop(ctx, ch)
	}
}

// Stop unregisters every receiver endpoint.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, unregister := range a.unregisters {
		unregister()
	}
	a.unregisters = nil
	a.running = false
}

func (a *Adapter) receiveLoop(ctx context.Context, ch <-chan transport.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			fwd, ok := env.Message.(ForwardMessage)
			if !ok {
				continue
			}
			a.localDispatch(fwd)
		}
	}
}

func (a *Adapter) localDispatch(fwd ForwardMessage) {
	// Cross-node broadcasts never filter by sender: spec §4.C.
	a.cfg.Registry.Dispatch(fwd.Topic, func(entries []registry.Entry) {
		dispatch.Lookup(fwd.DispatcherID).Dispatch(entries, nil, fwd.Message)
	})
}

// Broadcast fans out message to every peer node's adapter shard that owns
// topic under the currently-configured BroadcastPoolSize. Local delivery is
// the caller's responsibility (the pubsub Facade performs it) — this only
// handles the cluster hop.
func (a *Adapter) Broadcast(topic string, message any, dispatcherID string) error {
	for _, peer := range a.cfg.Transport.ListPeers() {
		a.sendTo(peer, topic, message, dispatcherID)
	}
	return nil
}

// DirectBroadcast sends only to targetNode's adapter shard for topic. It
// returns CodeUnknownPeer if targetNode isn't a currently-known peer.
func (a *Adapter) DirectBroadcast(targetNode transport.NodeName, topic string, message any, dispatcherID string) error {
	known := false
	for _, peer := range a.cfg.Transport.ListPeers() {
		if peer == targetNode {
			known = true
			break
		}
	}
	if !known {
		a.recordResult("error")
		return errs.New("adapter/direct_broadcast", errs.CodeUnknownPeer,
			errs.WithMessage(fmt.Sprintf("node %q is not a known peer", targetNode)))
	}
	a.sendTo(targetNode, topic, message, dispatcherID)
	a.recordResult("ok")
	return nil
}

func (a *Adapter) sendTo(peer transport.NodeName, topic string, message any, dispatcherID string) {
	shardIdx := shardIndex(topic, a.cfg.BroadcastPoolSize)
	proc := receiverName(a.cfg.Name, shardIdx)
	fwd := ForwardMessage{
		Topic:        topic,
		Message:      message,
		DispatcherID: dispatcherID,
		Origin:       a.cfg.Transport.ThisNode(),
	}
	a.cfg.Transport.SendAsync(peer, proc, fwd)
	if a.broadcastCounter != nil {
		a.broadcastCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.BroadcastAttributes(telemetry.Environment(), a.cfg.Name, topic, dispatcherID)...))
	}
}

// NodeName returns this node's name per the underlying transport.
func (a *Adapter) NodeName() transport.NodeName {
	return a.cfg.Transport.ThisNode()
}

func receiverName(name string, idx int) transport.ProcessName {
	return transport.ProcessName(fmt.Sprintf("%s#%d", name, idx))
}

func shardIndex(topic string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32()) % n
}

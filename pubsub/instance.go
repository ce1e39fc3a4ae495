// Package pubsub is the stable PubSub facade described in spec §4.D:
// subscribe, unsubscribe, and the broadcast family, backed by a per-name
// instance whose metadata is write-once at startup and read-only
// thereafter (spec §9, "Global state").
package pubsub

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/adapter"
	"github.com/combo-lab/combo-pubsub/dispatch"
	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport"
)

// Options configures a new PubSub Instance.
type Options struct {
	// Name uniquely identifies this instance on the node. Required.
	Name string
	// Transport is the cluster transport used for cross-node fan-out. Required.
	Transport transport.ClusterTransport
	// PoolSize is the number of adapter receive shards. Defaults to 1.
	PoolSize int
	// BroadcastPoolSize is the number of shards used when sending. Defaults
	// to PoolSize. Must be <= PoolSize.
	BroadcastPoolSize int
	// RegistrySize is the number of local registry shards. Defaults to PoolSize.
	RegistrySize int
	// Meter, if non-nil, receives instrumentation from the registry and adapter.
	Meter metric.Meter
}

func (o Options) normalize() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 1
	}
	if o.BroadcastPoolSize <= 0 {
		o.BroadcastPoolSize = o.PoolSize
	}
	if o.RegistrySize <= 0 {
		o.RegistrySize = o.PoolSize
	}
	return o
}

// Instance is the per-name PubSub record: {adapter, adapter_name, node_name,
// pool_size, broadcast_pool_size, registry_size} of spec §3. Every exported
// field is set once at construction and never mutated afterward.
type Instance struct {
	Name              string
	AdapterName       string
	PoolSize          int
	BroadcastPoolSize int
	RegistrySize      int

	adapter  *adapter.Adapter
	registry *registry.Registry
}

var instances sync.Map // string -> *Instance

// New constructs and registers a PubSub instance under Options.Name. A
// second call with the same name fails with errs.CodeConfigInvalid — the
// instance table is write-once per name, per spec §9.
func New(opts Options) (*Instance, error) {
	opts = opts.normalize()
	if opts.Name == "" {
		return nil, errs.New("pubsub/new", errs.CodeConfigInvalid, errs.WithMessage("name required"))
	}
	if opts.Transport == nil {
		return nil, errs.New("pubsub/new", errs.CodeConfigInvalid, errs.WithMessage("transport required"))
	}

	reg := registry.New(registry.Config{
		Shards:   opts.RegistrySize,
		Instance: opts.Name,
		Meter:    opts.Meter,
	})
	ad, err := adapter.New(adapter.Config{
		Name:              opts.Name,
		PoolSize:          opts.PoolSize,
		BroadcastPoolSize: opts.BroadcastPoolSize,
		Registry:          reg,
		Transport:         opts.Transport,
		Meter:             opts.Meter,
	})
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		Name:              opts.Name,
		AdapterName:       opts.Name,
		PoolSize:          opts.PoolSize,
		BroadcastPoolSize: opts.BroadcastPoolSize,
		RegistrySize:      opts.RegistrySize,
		adapter:           ad,
		registry:          reg,
	}

	if _, loaded := instances.LoadOrStore(opts.Name, inst); loaded {
		return nil, errs.New("pubsub/new", errs.CodeConfigInvalid,
			errs.WithMessage("instance already registered: "+opts.Name))
	}
	return inst, nil
}

// Lookup retrieves a previously-registered instance by name.
func Lookup(name string) (*Instance, bool) {
	v, ok := instances.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Instance), true
}

// Unregister removes name from the instance table. Intended for tests and
// graceful shutdown; it does not stop the instance's adapter.
func Unregister(name string) {
	instances.Delete(name)
}

// Start registers the instance's adapter receiver endpoints.
func (i *Instance) Start(ctx context.Context) {
	i.adapter.Start(ctx)
}

// Stop unregisters the instance's adapter receiver endpoints.
func (i *Instance) Stop() {
	i.adapter.Stop()
}

// NodeName returns this node's name per the underlying transport.
func (i *Instance) NodeName() transport.NodeName {
	return i.adapter.NodeName()
}

func (i *Instance) localDispatch(topic string, sender registry.Handle, msg any, dispatcherID string) {
	i.registry.Dispatch(topic, func(entries []registry.Entry) {
		dispatch.Lookup(dispatcherID).Dispatch(entries, sender, msg)
	})
}

// Package registry implements the sharded, concurrent local subscription
// map described in spec §3/§4.B: topic -> set of (handle, value), optimized
// for many parallel subscribe/unsubscribe calls and many concurrent
// dispatches, with no cross-shard coordination.
package registry

import (
	"context"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/internal/telemetry"
)

var errDeadHandle = errs.New("registry/subscribe", errs.CodeDeadHandle, errs.WithMessage("handle already dead"))

// Entry is the snapshot-facing view of one subscription, handed to a
// dispatcher sink.
type Entry struct {
	Handle Handle
	Value  any
}

type shardTopic struct {
	shard int
	topic string
}

// Config configures a Registry.
type Config struct {
	// Shards is the number of independent partitions (registry_size option
	// in spec §6). Must be >= 1.
	Shards int
	// Instance names the owning PubSub instance, attached to metrics.
	Instance string
	// Meter, if non-nil, receives subscriber-count and dispatch-size
	// instrumentation.
	Meter metric.Meter
}

func (c Config) normalize() Config {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	return c
}

// Registry is a sharded topic -> subscribers map with concurrent dispatch.
type Registry struct {
	cfg    Config
	shards []*shard

	revMu     sync.Mutex
	reverse   map[Handle]map[shardTopic]struct{}
	monitored map[Handle]struct{}

	subscriberGauge   metric.Int64UpDownCounter
	dispatchHistogram metric.Int64Histogram
}

// New constructs a Registry with cfg.Shards independent partitions.
func New(cfg Config) *Registry {
	cfg = cfg.normalize()
	r := &Registry{
		cfg:       cfg,
		shards:    make([]*shard, cfg.Shards),
		reverse:   make(map[Handle]map[shardTopic]struct{}),
		monitored: make(map[Handle]struct{}),
	}
	for i := range r.shards {
		r.shards[i] = newShard()
	}
	if cfg.Meter != nil {
		r.subscriberGauge, _ = cfg.Meter.Int64UpDownCounter("registry.subscribers",
			metric.WithDescription("Number of active subscriptions"),
			metric.WithUnit("{subscription}"))
		r.dispatchHistogram, _ = cfg.Meter.Int64Histogram("registry.dispatch.size",
			metric.WithDescription("Number of entries snapshotted per dispatch"),
			metric.WithUnit("{entry}"))
	}
	return r
}

// Shards returns the number of partitions this registry was built with.
func (r *Registry) Shards() int { return len(r.shards) }

func (r *Registry) shardIndex(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32()) % len(r.shards)
}

func (r *Registry) shardFor(topic string) (int, *shard) {
	idx := r.shardIndex(topic)
	return idx, r.shards[idx]
}

// Subscribe appends {handle, value} to topic's shard and installs a
// liveness monitor on handle if one isn't already running. Duplicate
// (handle, topic) subscriptions are allowed; each produces its own future
// delivery, per spec §3.
func (r *Registry) Subscribe(topic string, h Handle, value any) error {
	select {
	case <-h.Done():
		return errDeadHandle
	default:
	}

	idx, s := r.shardFor(topic)
	s.subscribe(topic, h, value)
	r.trackReverse(h, idx, topic)
	r.watch(h)

	if r.subscriberGauge != nil {
		r.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.RegistryAttributes(telemetry.Environment(), r.cfg.Instance, topic, idx)...))
	}
	return nil
}

// Unsubscribe removes every entry for h under topic, in that topic's shard.
// It is idempotent and always succeeds.
func (r *Registry) Unsubscribe(topic string, h Handle) {
	idx, s := r.shardFor(topic)
	s.unsubscribe(topic, h)
	r.untrackReverse(h, idx, topic)

	if r.subscriberGauge != nil {
		r.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.RegistryAttributes(telemetry.Environment(), r.cfg.Instance, topic, idx)...))
	}
}

// Dispatch snapshots topic's entry list in its owning shard and hands the
// snapshot to sink. The snapshot isolates dispatch from concurrent
// subscribe/unsubscribe: a subscription observed by a dispatch will not
// have its mailbox written to after Unsubscribe returns on the same shard.
func (r *Registry) Dispatch(topic string, sink func(entries []Entry)) {
	idx, s := r.shardFor(topic)
	entries := s.snapshot(topic)
	if r.dispatchHistogram != nil {
		r.dispatchHistogram.Record(context.Background(), int64(len(entries)), metric.WithAttributes(
			telemetry.RegistryAttributes(telemetry.Environment(), r.cfg.Instance, topic, idx)...))
	}
	if sink == nil {
		return
	}
	sink(entries)
}

// Size returns the number of entries currently subscribed to topic.
func (r *Registry) Size(topic string) int {
	_, s := r.shardFor(topic)
	return s.size(topic)
}

func (r *Registry) trackReverse(h Handle, shardIdx int, topic string) {
	r.revMu.Lock()
	defer r.revMu.Unlock()
	set, ok := r.reverse[h]
	if !ok {
		set = make(map[shardTopic]struct{})
		r.reverse[h] = set
	}
	set[shardTopic{shard: shardIdx, topic: topic}] = struct{}{}
}

func (r *Registry) untrackReverse(h Handle, shardIdx int, topic string) {
	r.revMu.Lock()
	defer r.revMu.Unlock()
	set, ok := r.reverse[h]
	if !ok {
		return
	}
	delete(set, shardTopic{shard: shardIdx, topic: topic})
	if len(set) == 0 {
		delete(r.reverse, h)
	}
}

// watch starts, at most once per handle, a goroutine that reaps every
// subscription owned by h once it dies.
func (r *Registry) watch(h Handle) {
	r.revMu.Lock()
	if _, ok := r.monitored[h]; ok {
		r.revMu.Unlock()
		return
	}
	r.monitored[h] = struct{}{}
	r.revMu.Unlock()

	go func() {
		<-h.Done()
		r.reap(h)
	}()
}

func (r *Registry) reap(h Handle) {
	r.revMu.Lock()
	touched := r.reverse[h]
	delete(r.reverse, h)
	delete(r.monitored, h)
	r.revMu.Unlock()

	for st := range touched {
		r.shards[st.shard].unsubscribe(st.topic, h)
		if r.subscriberGauge != nil {
			r.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
				telemetry.RegistryAttributes(telemetry.Environment(), r.cfg.Instance, st.topic, st.shard)...))
		}
	}
}

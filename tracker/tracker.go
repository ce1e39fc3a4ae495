package tracker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport"
)

const (
	defaultBroadcastPeriod = 1500 * time.Millisecond
	defaultPermdownPeriod  = 25 * time.Second
	defaultDeltaBudget     = 64
)

// Config configures a Tracker.
type Config struct {
	// Name identifies this tracker instance; shard receiver endpoints are
	// registered as "Name/tracker#0".."Name/tracker#(ShardCount-1)".
	Name string
	// ShardCount is tracker_pool_size. Defaults to 1, per spec §6 — this
	// implementation never silently raises that default.
	ShardCount int
	// Transport is the cluster transport used for gossip and node
	// liveness. Required.
	Transport transport.ClusterTransport
	// Handler receives {joins, leaves} diffs per shard. Defaults to NopHandler.
	Handler Handler
	// BroadcastPeriod is the heartbeat/anti-entropy interval. Defaults to 1.5s.
	BroadcastPeriod time.Duration
	// PermdownPeriod is how long a peer ref may stay silent before its
	// entries are purged. Defaults to ~25s.
	PermdownPeriod time.Duration
	// DeltaBudget bounds how many queued ops are sent as an incremental
	// delta before falling back to a full-state push.
	DeltaBudget int
	// Meter, if non-nil, receives tracker instrumentation.
	Meter metric.Meter
}

func (c Config) normalize() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = 1
	}
	if c.BroadcastPeriod <= 0 {
		c.BroadcastPeriod = defaultBroadcastPeriod
	}
	if c.PermdownPeriod <= 0 {
		c.PermdownPeriod = defaultPermdownPeriod
	}
	if c.DeltaBudget <= 0 {
		c.DeltaBudget = defaultDeltaBudget
	}
	if c.Handler == nil {
		c.Handler = NopHandler{}
	}
	return c
}

// Tracker is the supervisor + router of spec §4.F: it starts ShardCount
// shards, routes every operation to the shard owning its topic, and
// restarts a shard with fresh (empty) state if its goroutine ever exits
// from a panic.
type Tracker struct {
	cfg    Config
	mu     sync.RWMutex
	shards []*shard
	cancel context.CancelFunc
}

// New constructs and starts a Tracker.
func New(cfg Config) (*Tracker, error) {
	cfg = cfg.normalize()
	if cfg.Name == "" {
		return nil, errs.New("tracker/new", errs.CodeConfigInvalid, errs.WithMessage("name required"))
	}
	if cfg.Transport == nil {
		return nil, errs.New("tracker/new", errs.CodeConfigInvalid, errs.WithMessage("transport required"))
	}

	t := &Tracker{cfg: cfg, shards: make([]*shard, cfg.ShardCount)}
	return t, nil
}

// Start launches every shard's goroutine. Idempotent only across the
// lifetime of one Tracker value; call New again to restart from scratch.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	for i := 0; i < t.cfg.ShardCount; i++ {
		t.spawnShard(ctx, i)
	}
}

func (t *Tracker) spawnShard(ctx context.Context, idx int) {
	s := newShard(shardConfig{
		trackerName:     t.cfg.Name,
		index:           idx,
		transport:       t.cfg.Transport,
		handler:         t.cfg.Handler,
		broadcastPeriod: t.cfg.BroadcastPeriod,
		permdownPeriod:  t.cfg.PermdownPeriod,
		deltaBudget:     t.cfg.DeltaBudget,
		meter:           t.cfg.Meter,
	})
	t.mu.Lock()
	t.shards[idx] = s
	t.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				// A crashed shard restarts with empty state under a fresh
				// ShardRef; peers re-replicate their views into it (spec §4.F).
				t.spawnShard(ctx, idx)
			}
		}()
		s.run(ctx)
	}()
}

// Stop halts every shard's goroutine.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) shardFor(topic string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	idx := int(h.Sum32()) % t.cfg.ShardCount
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shards[idx]
}

// Track inserts {topic, key, metadata}, owned by this node, and installs
// a liveness monitor on owner so its death triggers an automatic untrack.
// owner may be nil for entries with no natural liveness source.
func (t *Tracker) Track(topic, key string, metadata any, owner registry.Handle) (Ref, error) {
	return t.shardFor(topic).track(topic, key, metadata, owner)
}

// Untrack removes a previously-tracked entry owned by this node.
func (t *Tracker) Untrack(topic, key string) error {
	return t.shardFor(topic).untrack(topic, key)
}

// UntrackAll removes every entry owned by this node that was tracked with
// owner as its liveness handle, across every shard and topic — mirroring
// spec §4.E's untrack_all(handle), which isn't scoped to one topic.
func (t *Tracker) UntrackAll(owner registry.Handle) {
	t.mu.RLock()
	shards := append([]*shard(nil), t.shards...)
	t.mu.RUnlock()
	for _, s := range shards {
		if s != nil {
			s.untrackAll(owner)
		}
	}
}

// Update replaces a tracked entry's metadata via fn, as an atomic
// remove-then-add with a fresh clock.
func (t *Tracker) Update(topic, key string, fn func(any) any) error {
	return t.shardFor(topic).update(topic, key, fn)
}

// List returns every key tracked under topic, across every replica known
// to this node — local and gossiped-in.
func (t *Tracker) List(topic string) []Entry {
	return t.shardFor(topic).list(topic)
}

// GetByKey returns every replica's record of (topic, key), one per owning
// node that currently has it tracked.
func (t *Tracker) GetByKey(topic, key string) []KeyEntry {
	return t.shardFor(topic).getByKey(topic, key)
}

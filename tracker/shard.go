package tracker

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/internal/telemetry"
	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport"
)

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

// deltaOp is one CRDT mutation, generated by the owning shard and gossiped
// to peers until acknowledged by a send. Fields are exported with json tags
// because deltaOp travels inside heartbeatMsg over the wsnet transport,
// which encodes with goccy/go-json — unexported fields would silently
// serialize to zero values there.
type deltaOp struct {
	Kind     opKind `json:"kind"`
	Topic    string `json:"topic"`
	Key      string `json:"key"`
	Metadata any    `json:"metadata"`
	Clock    uint64 `json:"clock"`
}

// valueKey identifies one entry in a shard's `values` table: spec §3's
// {topic, key, owner_shard_ref}.
type valueKey struct {
	topic string
	key   string
	owner ShardRef
}

type valueRecord struct {
	metadata  any
	clock     uint64
	ownerNode transport.NodeName
	handle    registry.Handle // non-nil only for this shard's own local entries
}

// shardConfig carries everything a shard needs that its owning tracker
// computed once (names, transport, tuning) plus what changes per incarnation.
type shardConfig struct {
	trackerName     string
	index           int
	transport       transport.ClusterTransport
	handler         Handler
	broadcastPeriod time.Duration
	permdownPeriod  time.Duration
	deltaBudget     int
	meter           metric.Meter
}

// shard is one CRDT replica, running its own goroutine and owning all of
// its state exclusively — every external operation is a closure submitted
// over commands and executed on that goroutine, matching spec §9's
// "single goroutine owning the CRDT, receiving all operations by channel."
type shard struct {
	cfg shardConfig
	ref ShardRef

	values       map[valueKey]valueRecord
	peerClocks   map[ShardRef]uint64
	peerRefNode  map[transport.NodeName]ShardRef
	lastSeen     map[ShardRef]time.Time
	pendingDelta map[transport.NodeName][]deltaOp
	localClock   uint64
	userState    any

	commands chan func()

	entryGauge metric.Int64UpDownCounter
	joinCount  metric.Int64Counter
	leaveCount metric.Int64Counter
	peerEvents metric.Int64Counter
	errorCount metric.Int64Counter
}

func newShard(cfg shardConfig) *shard {
	s := &shard{
		cfg:          cfg,
		ref:          NewShardRef(),
		values:       make(map[valueKey]valueRecord),
		peerClocks:   make(map[ShardRef]uint64),
		peerRefNode:  make(map[transport.NodeName]ShardRef),
		lastSeen:     make(map[ShardRef]time.Time),
		pendingDelta: make(map[transport.NodeName][]deltaOp),
		commands:     make(chan func(), 64),
	}
	if cfg.meter != nil {
		s.entryGauge, _ = cfg.meter.Int64UpDownCounter("tracker.entries",
			metric.WithDescription("Number of tracked entries owned by this shard"),
			metric.WithUnit("{entry}"))
		s.joinCount, _ = cfg.meter.Int64Counter("tracker.joins",
			metric.WithDescription("Number of join events emitted to the handler"),
			metric.WithUnit("{event}"))
		s.leaveCount, _ = cfg.meter.Int64Counter("tracker.leaves",
			metric.WithDescription("Number of leave events emitted to the handler"),
			metric.WithUnit("{event}"))
		s.peerEvents, _ = cfg.meter.Int64Counter("tracker.peer_events",
			metric.WithDescription("Number of peer up/down transitions observed by this shard"),
			metric.WithUnit("{event}"))
		s.errorCount, _ = cfg.meter.Int64Counter("tracker.errors",
			metric.WithDescription("Number of operations that returned an error"),
			metric.WithUnit("{error}"))
	}
	return s
}

// run owns this shard's goroutine for its entire incarnation. It returns
// when ctx is cancelled.
func (s *shard) run(ctx context.Context) {
	if s.cfg.handler != nil {
		if state, err := s.cfg.handler.Init(); err == nil {
			s.userState = state
		}
	}

	proc := shardProcessName(s.cfg.trackerName, s.cfg.index)
	envelopes, unregister := s.cfg.transport.Register(proc)
	defer unregister()

	nodeEvents := s.cfg.transport.MonitorNode(ctx)

	ticker := time.NewTicker(jitter(s.cfg.broadcastPeriod))
	defer ticker.Stop()
	sweepTicker := time.NewTicker(s.cfg.permdownPeriod / 4)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			cmd()
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if hb, ok := env.Message.(heartbeatMsg); ok {
				s.handleHeartbeat(hb)
			}
		case ev, ok := <-nodeEvents:
			if !ok {
				continue
			}
			s.recordPeerEvent(ev)
			if ev.Kind == transport.NodeDown {
				s.purgeNode(ev.Node)
			}
		case <-ticker.C:
			ticker.Reset(jitter(s.cfg.broadcastPeriod))
			s.tick()
		case <-sweepTicker.C:
			s.sweepPermdown()
		}
	}
}

// submit runs fn on the shard's own goroutine and blocks until it
// completes, giving external callers a synchronous call against
// exclusively-owned state.
func (s *shard) submit(fn func()) {
	done := make(chan struct{})
	s.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	// +/-25% jitter to desynchronize nodes, per spec §4.E.
	spread := float64(base) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(offset)
}

func (s *shard) nextClock() uint64 {
	s.localClock++
	return s.localClock
}

func (s *shard) queueDelta(op deltaOp) {
	for node := range s.pendingDelta {
		s.pendingDelta[node] = append(s.pendingDelta[node], op)
	}
}

func (s *shard) recordError(op string, code errs.Code) {
	if s.errorCount == nil {
		return
	}
	s.errorCount.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), op, string(code))...))
}

func (s *shard) recordPeerEvent(ev transport.NodeEvent) {
	if s.peerEvents == nil {
		return
	}
	state := "up"
	if ev.Kind == transport.NodeDown {
		state = "down"
	}
	s.peerEvents.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.PeerAttributes(telemetry.Environment(), s.cfg.trackerName, string(ev.Node), state)...))
}

// track inserts a new local entry. Returns errs.CodeAlreadyTracked if
// (topic, key) is already tracked by this shard's own incarnation.
func (s *shard) track(topic, key string, metadata any, owner registry.Handle) (Ref, error) {
	var ref Ref
	var err error
	s.submit(func() {
		vk := valueKey{topic: topic, key: key, owner: s.ref}
		if _, exists := s.values[vk]; exists {
			err = errs.New("tracker/track", errs.CodeAlreadyTracked,
				errs.WithMessage("already tracked: "+topic+"/"+key))
			s.recordError("tracker/track", errs.CodeAlreadyTracked)
			return
		}
		clock := s.nextClock()
		s.values[vk] = valueRecord{metadata: metadata, clock: clock, ownerNode: s.cfg.transport.ThisNode(), handle: owner}
		s.queueDelta(deltaOp{Kind: opAdd, Topic: topic, Key: key, Metadata: metadata, Clock: clock})
		if s.entryGauge != nil {
			s.entryGauge.Add(context.Background(), 1, metric.WithAttributes(
				telemetry.TrackerAttributes(telemetry.Environment(), s.cfg.trackerName, "", s.cfg.index)...))
		}
		if owner != nil {
			s.watchOwner(topic, key, owner)
		}
		ref = Ref{Topic: topic, Key: key}
	})
	return ref, err
}

// watchOwner reaps the entry once owner dies, per R1.
func (s *shard) watchOwner(topic, key string, owner registry.Handle) {
	go func() {
		<-owner.Done()
		s.submit(func() {
			s.removeLocal(topic, key)
		})
	}()
}

func (s *shard) removeLocal(topic, key string) bool {
	vk := valueKey{topic: topic, key: key, owner: s.ref}
	if _, exists := s.values[vk]; !exists {
		return false
	}
	delete(s.values, vk)
	clock := s.nextClock()
	s.queueDelta(deltaOp{Kind: opRemove, Topic: topic, Key: key, Clock: clock})
	if s.entryGauge != nil {
		s.entryGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.TrackerAttributes(telemetry.Environment(), s.cfg.trackerName, "", s.cfg.index)...))
	}
	return true
}

func (s *shard) untrack(topic, key string) error {
	var err error
	s.submit(func() {
		if !s.removeLocal(topic, key) {
			err = errs.New("tracker/untrack", errs.CodeNotTracked,
				errs.WithMessage("not tracked: "+topic+"/"+key))
			s.recordError("tracker/untrack", errs.CodeNotTracked)
		}
	})
	return err
}

func (s *shard) untrackAll(owner registry.Handle) {
	s.submit(func() {
		for vk, rec := range s.values {
			if vk.owner == s.ref && rec.handle == owner {
				s.removeLocal(vk.topic, vk.key)
			}
		}
	})
}

func (s *shard) update(topic, key string, fn func(any) any) error {
	var err error
	s.submit(func() {
		vk := valueKey{topic: topic, key: key, owner: s.ref}
		rec, exists := s.values[vk]
		if !exists {
			err = errs.New("tracker/update", errs.CodeNotTracked,
				errs.WithMessage("not tracked: "+topic+"/"+key))
			s.recordError("tracker/update", errs.CodeNotTracked)
			return
		}
		newMeta := fn(rec.metadata)
		removeClock := s.nextClock()
		s.queueDelta(deltaOp{Kind: opRemove, Topic: topic, Key: key, Clock: removeClock})
		addClock := s.nextClock()
		rec.metadata = newMeta
		rec.clock = addClock
		s.values[vk] = rec
		s.queueDelta(deltaOp{Kind: opAdd, Topic: topic, Key: key, Metadata: newMeta, Clock: addClock})
	})
	return err
}

func (s *shard) list(topic string) []Entry {
	var out []Entry
	s.submit(func() {
		for vk, rec := range s.values {
			if vk.topic == topic {
				out = append(out, Entry{Key: vk.key, Metadata: rec.metadata})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *shard) getByKey(topic, key string) []KeyEntry {
	var out []KeyEntry
	s.submit(func() {
		for vk, rec := range s.values {
			if vk.topic == topic && vk.key == key {
				out = append(out, KeyEntry{OwnerNode: rec.ownerNode, Metadata: rec.metadata})
			}
		}
	})
	return out
}

package tracker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/internal/telemetry"
	"github.com/combo-lab/combo-pubsub/transport"
)

// heartbeatMsg is the wire shape of spec §6's {heartbeat, sender_ref,
// sender_clock, deltas}, extended with an optional full-state push for
// when a peer's backlog exceeds the size budget.
type heartbeatMsg struct {
	SenderRef   ShardRef
	SenderNode  transport.NodeName
	SenderClock uint64
	Deltas      []deltaOp
	FullState   []fullStateEntry
	IsFullState bool
}

type fullStateEntry struct {
	Topic    string
	Key      string
	Metadata any
	Clock    uint64
}

func shardProcessName(trackerName string, idx int) transport.ProcessName {
	return transport.ProcessName(fmt.Sprintf("%s/tracker#%d", trackerName, idx))
}

// antiEntropyFanout returns the number of peers gossiped to per tick,
// approximately log(N)+1 per spec §4.E.
func antiEntropyFanout(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Log(float64(n))) + 1
}

func (s *shard) tick() {
	peers := s.cfg.transport.ListPeers()
	for _, p := range peers {
		if _, ok := s.pendingDelta[p]; !ok {
			s.pendingDelta[p] = s.fullStateSnapshotAsDeltas()
		}
	}
	// Drop backlog for peers that left the cluster.
	for p := range s.pendingDelta {
		if !containsNode(peers, p) {
			delete(s.pendingDelta, p)
		}
	}

	fanout := antiEntropyFanout(len(peers))
	chosen := choosePeers(peers, fanout)
	for _, p := range chosen {
		s.sendHeartbeatTo(p)
	}
}

func containsNode(nodes []transport.NodeName, n transport.NodeName) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

func choosePeers(peers []transport.NodeName, n int) []transport.NodeName {
	if n >= len(peers) {
		return peers
	}
	shuffled := make([]transport.NodeName, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// fullStateSnapshotAsDeltas seeds a newly-discovered peer's backlog with
// every entry this shard currently owns, expressed as add ops sorted by
// clock ascending — mergeDeltas relies on a single advancing watermark, so
// an unsorted batch (map iteration has no order) would let a high clock
// skip ahead and cause a later, lower clock to be discarded as stale.
func (s *shard) fullStateSnapshotAsDeltas() []deltaOp {
	var ops []deltaOp
	for vk, rec := range s.values {
		if vk.owner != s.ref {
			continue
		}
		ops = append(ops, deltaOp{Kind: opAdd, Topic: vk.topic, Key: vk.key, Metadata: rec.metadata, Clock: rec.clock})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Clock < ops[j].Clock })
	return ops
}

func (s *shard) sendHeartbeatTo(peer transport.NodeName) {
	ops := s.pendingDelta[peer]
	msg := heartbeatMsg{
		SenderRef:   s.ref,
		SenderNode:  s.cfg.transport.ThisNode(),
		SenderClock: s.localClock,
	}
	if len(ops) > s.cfg.deltaBudget {
		msg.IsFullState = true
		msg.FullState = s.fullStateSnapshot()
	} else {
		msg.Deltas = ops
	}
	s.cfg.transport.SendAsync(peer, shardProcessName(s.cfg.trackerName, s.cfg.index), msg)
	s.pendingDelta[peer] = nil
}

func (s *shard) fullStateSnapshot() []fullStateEntry {
	var out []fullStateEntry
	for vk, rec := range s.values {
		if vk.owner != s.ref {
			continue
		}
		out = append(out, fullStateEntry{Topic: vk.topic, Key: vk.key, Metadata: rec.metadata, Clock: rec.clock})
	}
	return out
}

// handleHeartbeat merges an incoming heartbeat into local state, per
// spec §4.E's receive protocol, and invokes the handler when the merge
// produced a non-empty diff.
func (s *shard) handleHeartbeat(hb heartbeatMsg) {
	s.lastSeen[hb.SenderRef] = time.Now()

	if prevRef, ok := s.peerRefNode[hb.SenderNode]; ok && prevRef != hb.SenderRef {
		s.purgeRef(prevRef)
	}
	s.peerRefNode[hb.SenderNode] = hb.SenderRef

	diffs := make(map[string]Diff)

	if hb.IsFullState {
		s.mergeFullState(hb, diffs)
	} else {
		s.mergeDeltas(hb, diffs)
	}

	s.emitDiffs(diffs)
}

// mergeDeltas applies a batch of ops and emits diffs from the net effect on
// each touched key, not per-op: a track then untrack of the same key landing
// in one backlog (common for short-lived subscribers) must net to no diff,
// while an update's remove+add of an already-present key must still surface
// as a leave+join pair, per spec §4.E/§5.
func (s *shard) mergeDeltas(hb heartbeatMsg, diffs map[string]Diff) {
	type beforeState struct {
		existed bool
		rec     valueRecord
	}
	before := make(map[valueKey]beforeState)
	var touched []valueKey

	watermark := s.peerClocks[hb.SenderRef]
	for _, op := range hb.Deltas {
		if op.Clock <= watermark {
			continue
		}
		watermark = op.Clock
		vk := valueKey{topic: op.Topic, key: op.Key, owner: hb.SenderRef}
		if _, seen := before[vk]; !seen {
			rec, existed := s.values[vk]
			before[vk] = beforeState{existed: existed, rec: rec}
			touched = append(touched, vk)
		}
		switch op.Kind {
		case opAdd:
			s.values[vk] = valueRecord{metadata: op.Metadata, clock: op.Clock, ownerNode: hb.SenderNode}
		case opRemove:
			delete(s.values, vk)
		default:
			log.Printf("tracker: %s shard #%d: discarding malformed delta from %s (unknown op kind %d for %s/%s)",
				s.cfg.trackerName, s.cfg.index, hb.SenderNode, op.Kind, op.Topic, op.Key)
		}
	}
	s.peerClocks[hb.SenderRef] = watermark

	for _, vk := range touched {
		b := before[vk]
		afterRec, existsAfter := s.values[vk]
		switch {
		case !b.existed && existsAfter:
			s.recordJoin(diffs, vk.topic, vk.key, afterRec.metadata)
		case b.existed && !existsAfter:
			s.recordLeave(diffs, vk.topic, vk.key, b.rec.metadata)
		case b.existed && existsAfter:
			s.recordLeave(diffs, vk.topic, vk.key, b.rec.metadata)
			s.recordJoin(diffs, vk.topic, vk.key, afterRec.metadata)
		}
	}
}

func (s *shard) mergeFullState(hb heartbeatMsg, diffs map[string]Diff) {
	seen := make(map[valueKey]struct{}, len(hb.FullState))
	var maxClock uint64
	for _, e := range hb.FullState {
		vk := valueKey{topic: e.Topic, key: e.Key, owner: hb.SenderRef}
		seen[vk] = struct{}{}
		if e.Clock > maxClock {
			maxClock = e.Clock
		}
		if _, existed := s.values[vk]; !existed {
			s.recordJoin(diffs, e.Topic, e.Key, e.Metadata)
		}
		s.values[vk] = valueRecord{metadata: e.Metadata, clock: e.Clock, ownerNode: hb.SenderNode}
	}
	for vk, rec := range s.values {
		if vk.owner != hb.SenderRef {
			continue
		}
		if _, stillPresent := seen[vk]; !stillPresent {
			delete(s.values, vk)
			s.recordLeave(diffs, vk.topic, vk.key, rec.metadata)
		}
	}
	if maxClock > s.peerClocks[hb.SenderRef] {
		s.peerClocks[hb.SenderRef] = maxClock
	}
}

func (s *shard) recordJoin(diffs map[string]Diff, topic, key string, metadata any) {
	d := diffs[topic]
	d.Joins = append(d.Joins, Entry{Key: key, Metadata: metadata})
	diffs[topic] = d
	if s.joinCount != nil {
		s.joinCount.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.TrackerAttributes(telemetry.Environment(), s.cfg.trackerName, "", s.cfg.index)...))
	}
}

func (s *shard) recordLeave(diffs map[string]Diff, topic, key string, metadata any) {
	d := diffs[topic]
	d.Leaves = append(d.Leaves, Entry{Key: key, Metadata: metadata})
	diffs[topic] = d
	if s.leaveCount != nil {
		s.leaveCount.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.TrackerAttributes(telemetry.Environment(), s.cfg.trackerName, "", s.cfg.index)...))
	}
}

func (s *shard) emitDiffs(diffs map[string]Diff) {
	if len(diffs) == 0 || s.cfg.handler == nil {
		return
	}
	newState, err := s.cfg.handler.HandleDiff(diffs, s.userState)
	if err != nil {
		log.Printf("tracker: %s shard #%d: handler returned error, state not advanced: %v",
			s.cfg.trackerName, s.cfg.index, err)
		return
	}
	s.userState = newState
}

// purgeRef removes every entry owned by ref and emits leaves for them,
// used both for permdown and incarnation-change cleanup.
func (s *shard) purgeRef(ref ShardRef) {
	diffs := make(map[string]Diff)
	for vk, rec := range s.values {
		if vk.owner == ref {
			delete(s.values, vk)
			s.recordLeave(diffs, vk.topic, vk.key, rec.metadata)
		}
	}
	delete(s.peerClocks, ref)
	delete(s.lastSeen, ref)
	s.emitDiffs(diffs)
}

// purgeNode purges every ref this shard currently attributes to node,
// immediately, on a transport node-down event (spec §4.E "node down event").
// Called only from the shard's own goroutine (run's select loop); it must
// not go through submit, which would deadlock against that same loop.
func (s *shard) purgeNode(node transport.NodeName) {
	ref, ok := s.peerRefNode[node]
	if !ok {
		return
	}
	delete(s.peerRefNode, node)
	s.purgeRef(ref)
}

// sweepPermdown purges any peer ref that has been silent for longer than
// permdown_period, per spec §4.E's timeout rule. Called only from the
// shard's own goroutine; see purgeNode.
func (s *shard) sweepPermdown() {
	deadline := time.Now().Add(-s.cfg.permdownPeriod)
	for ref, last := range s.lastSeen {
		if last.Before(deadline) {
			s.purgeRef(ref)
		}
	}
}

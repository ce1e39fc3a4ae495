// Package tracker implements the CRDT-based presence replica described in
// spec §4.E/§4.F: each shard owns the local entries for a slice of topics,
// gossips deltas to peers on a jittered heartbeat, merges idempotently by
// clock, and surfaces {joins, leaves} diffs to a user handler.
package tracker

import (
	"github.com/combo-lab/combo-pubsub/transport"
)

// Entry is one tracked (key, metadata) pair as seen by a List call.
type Entry struct {
	Key      string
	Metadata any
}

// KeyEntry is one tracked metadata record as seen by GetByKey, attributed
// to the node that created it.
type KeyEntry struct {
	OwnerNode transport.NodeName
	Metadata  any
}

// Diff is the set of keys that appeared and disappeared for one topic
// during a single merge.
type Diff struct {
	Joins  []Entry
	Leaves []Entry
}

// Handler is the user-supplied contract threaded through every shard's
// merges, mirroring spec §4.E's {init, handle_diff}.
type Handler interface {
	// Init returns the user state threaded through every later HandleDiff
	// call for this shard incarnation.
	Init() (any, error)
	// HandleDiff is invoked once per merge that produced a non-empty diff
	// set, per topic. It must not block the shard indefinitely.
	HandleDiff(diffs map[string]Diff, state any) (any, error)
}

// NopHandler is a Handler that does nothing and threads a nil state.
type NopHandler struct{}

func (NopHandler) Init() (any, error) { return nil, nil }

func (NopHandler) HandleDiff(_ map[string]Diff, state any) (any, error) { return state, nil }

// Ref identifies one successful Track call, returned so the caller can
// later Untrack the exact same entry without re-specifying metadata.
type Ref struct {
	Topic string
	Key   string
}

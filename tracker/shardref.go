package tracker

import "github.com/google/uuid"

// ShardRef is the random 128-bit identity assigned once per shard
// incarnation at startup (spec §3 expansion, §9 "CRDT clocks"). It, paired
// with a per-incarnation monotonic clock, uniquely tags every delta a
// shard ever emits. A restarted shard gets a fresh ref, so peers treat it
// as an entirely new replica rather than resuming the old one.
type ShardRef [16]byte

// NewShardRef generates a fresh random shard incarnation identity.
func NewShardRef() ShardRef {
	return ShardRef(uuid.New())
}

func (r ShardRef) String() string {
	return uuid.UUID(r).String()
}

package adapter

// MigrationStep names one step of a safe pool-size rollout, per spec §4.H.
type MigrationStep struct {
	PoolSize          int
	BroadcastPoolSize int
}

// GrowPlan returns the two-step deployment sequence for safely growing an
// adapter's pool from "from" to "to" shards without message loss: every node
// first deploys listening on the larger pool while still sending on the
// smaller one, then once that's fleet-wide, every node switches to sending
// on the larger pool too.
//
//	(i)  pool_size=to,   broadcast_pool_size=from
//	(ii) pool_size=to,   broadcast_pool_size=to
func GrowPlan(from, to int) []MigrationStep {
	if to <= from {
		return []MigrationStep{{PoolSize: to, BroadcastPoolSize: to}}
	}
	return []MigrationStep{
		{PoolSize: to, BroadcastPoolSize: from},
		{PoolSize: to, BroadcastPoolSize: to},
	}
}

// ShrinkPlan is the mirror image of GrowPlan: every node first stops sending
// on shards beyond the smaller pool while still listening on all of the
// larger pool, then once that's fleet-wide, every node redeploys with the
// smaller pool_size too.
//
//	(i)  pool_size=from, broadcast_pool_size=to
//	(ii) pool_size=to,   broadcast_pool_size=to
func ShrinkPlan(from, to int) []MigrationStep {
	if to >= from {
		return []MigrationStep{{PoolSize: to, BroadcastPoolSize: to}}
	}
	return []MigrationStep{
		{PoolSize: from, BroadcastPoolSize: to},
		{PoolSize: to, BroadcastPoolSize: to},
	}
}

package tracker

import "github.com/combo-lab/combo-pubsub/transport/wsnet"

// RegisterWireType installs the tracker's internal heartbeat message into
// reg under kind, so a wsnet transport can carry gossip between shards.
// Every node's registry must use the same kind for this call.
func RegisterWireType(reg *wsnet.Registry, kind byte) {
	reg.Register(kind, heartbeatMsg{})
}

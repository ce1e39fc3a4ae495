package adapter

import "github.com/combo-lab/combo-pubsub/transport/wsnet"

// RegisterWireType installs ForwardMessage into reg under kind, so a wsnet
// transport can carry cross-node broadcasts. Every node's registry must use
// the same kind for this call.
func RegisterWireType(reg *wsnet.Registry, kind byte) {
	reg.Register(kind, ForwardMessage{})
}

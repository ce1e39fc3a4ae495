package pubsub

import (
	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/registry"
	"github.com/combo-lab/combo-pubsub/transport"
)

var errInstanceNotFound = func(name string) error {
	return errs.New("pubsub/lookup", errs.CodeConfigInvalid, errs.WithMessage("no such pubsub instance: "+name))
}

// Subscribe attaches h to topic, delivering the Value to any dispatcher
// that later inspects this subscription's entry. Fails if h is already
// dead (spec §4.A).
func (i *Instance) Subscribe(topic string, h registry.Handle, value any) error {
	return i.registry.Subscribe(topic, h, value)
}

// Unsubscribe detaches h from topic. Idempotent.
func (i *Instance) Unsubscribe(topic string, h registry.Handle) {
	i.registry.Unsubscribe(topic, h)
}

// Broadcast fans message out cluster-wide: to every peer node via the
// adapter, and to this node's own local subscribers, both without
// filtering any sender (spec §4.C/§4.D). If the cluster hop fails, local
// subscribers are not notified either — callers see one consistent error.
func (i *Instance) Broadcast(topic string, message any, dispatcherID string) error {
	if err := i.adapter.Broadcast(topic, message, dispatcherID); err != nil {
		return &BroadcastError{Err: err}
	}
	i.localDispatch(topic, nil, message, dispatcherID)
	return nil
}

// BroadcastFrom behaves like Broadcast but marks from as the sender, so a
// sender-skipping dispatcher (spec's default) won't loop the message back
// to its own handle on this node. Cross-node delivery never skips a
// sender — there is no notion of "sender" once a message crosses nodes.
func (i *Instance) BroadcastFrom(from registry.Handle, topic string, message any, dispatcherID string) error {
	if err := i.adapter.Broadcast(topic, message, dispatcherID); err != nil {
		return &BroadcastError{Err: err}
	}
	i.localDispatch(topic, from, message, dispatcherID)
	return nil
}

// LocalBroadcast dispatches message to this node's subscribers only; it
// never touches the cluster transport.
func (i *Instance) LocalBroadcast(topic string, message any, dispatcherID string) {
	i.localDispatch(topic, nil, message, dispatcherID)
}

// LocalBroadcastFrom is LocalBroadcast with sender-skipping semantics.
func (i *Instance) LocalBroadcastFrom(from registry.Handle, topic string, message any, dispatcherID string) {
	i.localDispatch(topic, from, message, dispatcherID)
}

// DirectBroadcast sends message to exactly one named node's subscribers of
// topic, bypassing every other peer and this node's own subscribers. It
// fails with errs.CodeUnknownPeer if node isn't currently known to the
// transport (spec §4.C).
func (i *Instance) DirectBroadcast(node transport.NodeName, topic string, message any, dispatcherID string) error {
	if err := i.adapter.DirectBroadcast(node, topic, message, dispatcherID); err != nil {
		return &BroadcastError{Err: err}
	}
	return nil
}

// BroadcastError wraps a failure from the cluster transport hop of a
// Broadcast/BroadcastFrom/DirectBroadcast call.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string { return e.Err.Error() }
func (e *BroadcastError) Unwrap() error { return e.Err }

// MustBroadcast panics with a *BroadcastError on failure, mirroring spec
// §4.D's "raising" variant for callers that treat broadcast failure as
// a programmer error rather than a recoverable one.
func (i *Instance) MustBroadcast(topic string, message any, dispatcherID string) {
	if err := i.Broadcast(topic, message, dispatcherID); err != nil {
		panic(err)
	}
}

// MustBroadcastFrom is BroadcastFrom's raising variant.
func (i *Instance) MustBroadcastFrom(from registry.Handle, topic string, message any, dispatcherID string) {
	if err := i.BroadcastFrom(from, topic, message, dispatcherID); err != nil {
		panic(err)
	}
}

// MustDirectBroadcast is DirectBroadcast's raising variant.
func (i *Instance) MustDirectBroadcast(node transport.NodeName, topic string, message any, dispatcherID string) {
	if err := i.DirectBroadcast(node, topic, message, dispatcherID); err != nil {
		panic(err)
	}
}

// --- package-level convenience wrappers, addressed by instance name ---

// Subscribe looks up the named instance and subscribes h to topic.
func Subscribe(name, topic string, h registry.Handle, value any) error {
	inst, ok := Lookup(name)
	if !ok {
		return errInstanceNotFound(name)
	}
	return inst.Subscribe(topic, h, value)
}

// Unsubscribe looks up the named instance and unsubscribes h from topic.
// A missing instance is a no-op: there is nothing left to unsubscribe from.
func Unsubscribe(name, topic string, h registry.Handle) {
	if inst, ok := Lookup(name); ok {
		inst.Unsubscribe(topic, h)
	}
}

// Broadcast looks up the named instance and broadcasts message on topic.
func Broadcast(name, topic string, message any, dispatcherID string) error {
	inst, ok := Lookup(name)
	if !ok {
		return errInstanceNotFound(name)
	}
	return inst.Broadcast(topic, message, dispatcherID)
}

// BroadcastFrom looks up the named instance and broadcasts with sender
// skipping.
func BroadcastFrom(name string, from registry.Handle, topic string, message any, dispatcherID string) error {
	inst, ok := Lookup(name)
	if !ok {
		return errInstanceNotFound(name)
	}
	return inst.BroadcastFrom(from, topic, message, dispatcherID)
}

// LocalBroadcast looks up the named instance and dispatches locally only.
func LocalBroadcast(name, topic string, message any, dispatcherID string) {
	if inst, ok := Lookup(name); ok {
		inst.LocalBroadcast(topic, message, dispatcherID)
	}
}

// LocalBroadcastFrom looks up the named instance and dispatches locally
// only, with sender skipping.
func LocalBroadcastFrom(name string, from registry.Handle, topic string, message any, dispatcherID string) {
	if inst, ok := Lookup(name); ok {
		inst.LocalBroadcastFrom(from, topic, message, dispatcherID)
	}
}

// DirectBroadcast looks up the named instance and sends to exactly one node.
func DirectBroadcast(name string, node transport.NodeName, topic string, message any, dispatcherID string) error {
	inst, ok := Lookup(name)
	if !ok {
		return errInstanceNotFound(name)
	}
	return inst.DirectBroadcast(node, topic, message, dispatcherID)
}

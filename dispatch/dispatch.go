// Package dispatch implements the dispatcher protocol described in spec
// §4.G: the plug-point for per-subscription local delivery strategies, plus
// the process-wide dispatcher-id registry cross-node forwards rely on to
// resolve a dispatcher locally on each node.
package dispatch

import (
	"log"
	"sync"

	"github.com/combo-lab/combo-pubsub/registry"
)

// Dispatcher delivers message to a snapshot of subscription entries. sender
// is nil when there is no filter (spec's sender = :none — always true for
// cross-node-originated broadcasts). The contract: a dispatcher must not
// block the registry shard indefinitely and should be O(len(entries)) with
// bounded per-entry cost. No error from a dispatcher is propagated to the
// broadcaster — failures are the dispatcher's own concern.
type Dispatcher interface {
	Dispatch(entries []registry.Entry, sender registry.Handle, message any)
}

// Func adapts a plain function to a Dispatcher.
type Func func(entries []registry.Entry, sender registry.Handle, message any)

// Dispatch implements Dispatcher.
func (f Func) Dispatch(entries []registry.Entry, sender registry.Handle, message any) {
	f(entries, sender, message)
}

// Default is the built-in dispatcher: deliver to every handle when sender is
// nil, otherwise to every handle except sender.
var Default Dispatcher = Func(func(entries []registry.Entry, sender registry.Handle, message any) {
	for _, e := range entries {
		if sender != nil && e.Handle == sender {
			continue
		}
		if err := e.Handle.Send(message); err != nil {
			log.Printf("dispatch: delivery to subscriber failed: %v", err)
		}
	}
})

var (
	registryMu sync.RWMutex
	dispatchers = map[string]Dispatcher{
		"": Default,
	}
)

// Register makes d resolvable by id on this node, so that a cross-node
// {forward, ..., dispatcher_id, ...} message can name it. The dispatcher
// must be registered under the same id on every node that should be able to
// deliver it; an unregistered id silently falls back to Default.
func Register(id string, d Dispatcher) {
	registryMu.Lock()
	defer registryMu.Unlock()
	dispatchers[id] = d
}

// Lookup resolves a dispatcher id registered on this node, falling back to
// Default when the id is empty or unknown locally.
func Lookup(id string) Dispatcher {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := dispatchers[id]; ok {
		return d
	}
	return Default
}

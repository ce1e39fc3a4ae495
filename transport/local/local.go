// Package local implements transport.ClusterTransport for single-process
// simulation: many Node values sharing one in-memory Cluster, used by tests
// and single-binary demos that want several "nodes" without real networking.
package local

import (
	"context"
	"sync"

	"github.com/combo-lab/combo-pubsub/transport"
)

const mailboxBuffer = 256

// Cluster is the shared switchboard multiple local Nodes register into.
type Cluster struct {
	mu        sync.RWMutex
	nodes     map[transport.NodeName]*Node
	observers map[transport.NodeName][]chan transport.NodeEvent
}

// NewCluster creates an empty simulated cluster.
func NewCluster() *Cluster {
	return &Cluster{
		nodes:     make(map[transport.NodeName]*Node),
		observers: make(map[transport.NodeName][]chan transport.NodeEvent),
	}
}

// NewNode creates and joins a node to the cluster, notifying every existing
// node's monitors of the new peer.
func (c *Cluster) NewNode(name transport.NodeName) *Node {
	n := &Node{
		cluster:  c,
		name:     name,
		mailboxes: make(map[transport.ProcessName]chan transport.Envelope),
	}
	c.mu.Lock()
	c.nodes[name] = n
	c.mu.Unlock()
	c.broadcast(transport.NodeEvent{Kind: transport.NodeUp, Node: name})
	return n
}

// SimulateNodeDown removes a node from the cluster and notifies every
// remaining node's monitors, modeling a hard crash rather than a graceful
// leave: no further sends to or from the node succeed afterward.
func (c *Cluster) SimulateNodeDown(name transport.NodeName) {
	c.mu.Lock()
	n, ok := c.nodes[name]
	if ok {
		delete(c.nodes, name)
	}
	delete(c.observers, name)
	c.mu.Unlock()
	if !ok {
		return
	}
	n.closeAllMailboxes()
	c.broadcast(transport.NodeEvent{Kind: transport.NodeDown, Node: name})
}

func (c *Cluster) peers(exclude transport.NodeName) []transport.NodeName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transport.NodeName, 0, len(c.nodes))
	for name := range c.nodes {
		if name == exclude {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (c *Cluster) lookup(name transport.NodeName) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[name]
	return n, ok
}

func (c *Cluster) broadcast(evt transport.NodeEvent) {
	c.mu.RLock()
	chans := make([]chan transport.NodeEvent, 0)
	for name, obs := range c.observers {
		if name == evt.Node {
			continue
		}
		chans = append(chans, obs...)
	}
	c.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (c *Cluster) addObserver(name transport.NodeName, ch chan transport.NodeEvent) {
	c.mu.Lock()
	c.observers[name] = append(c.observers[name], ch)
	c.mu.Unlock()
}

// Node is one simulated cluster member implementing transport.ClusterTransport.
type Node struct {
	cluster *Cluster
	name    transport.NodeName

	mu        sync.RWMutex
	mailboxes map[transport.ProcessName]chan transport.Envelope
	dead      bool
}

var _ transport.ClusterTransport = (*Node)(nil)

// ThisNode implements transport.ClusterTransport.
func (n *Node) ThisNode() transport.NodeName { return n.name }

// ListPeers implements transport.ClusterTransport.
func (n *Node) ListPeers() []transport.NodeName { return n.cluster.peers(n.name) }

// SendAsync implements transport.ClusterTransport. It never blocks: a full
// mailbox drops the oldest buffered envelope to make room, matching the
// registry's subscriber drop policy.
func (n *Node) SendAsync(to transport.NodeName, proc transport.ProcessName, msg any) {
	n.mu.RLock()
	dead := n.dead
	n.mu.RUnlock()
	if dead {
		return
	}
	peer, ok := n.cluster.lookup(to)
	if !ok {
		return
	}
	peer.deliver(proc, transport.Envelope{From: n.name, Message: msg})
}

func (n *Node) deliver(proc transport.ProcessName, env transport.Envelope) {
	n.mu.RLock()
	ch, ok := n.mailboxes[proc]
	n.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- env:
	default:
	}
}

// Register implements transport.ClusterTransport.
func (n *Node) Register(proc transport.ProcessName) (<-chan transport.Envelope, func()) {
	ch := make(chan transport.Envelope, mailboxBuffer)
	n.mu.Lock()
	if old, ok := n.mailboxes[proc]; ok {
		close(old)
	}
	n.mailboxes[proc] = ch
	n.mu.Unlock()

	unregister := func() {
		n.mu.Lock()
		if cur, ok := n.mailboxes[proc]; ok && cur == ch {
			delete(n.mailboxes, proc)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, unregister
}

// MonitorNode implements transport.ClusterTransport.
func (n *Node) MonitorNode(ctx context.Context) <-chan transport.NodeEvent {
	ch := make(chan transport.NodeEvent, 32)
	n.cluster.addObserver(n.name, ch)
	go func() {
		<-ctx.Done()
	}()
	return ch
}

func (n *Node) closeAllMailboxes() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return
	}
	n.dead = true
	for proc, ch := range n.mailboxes {
		close(ch)
		delete(n.mailboxes, proc)
	}
}

// Package wsnet implements transport.ClusterTransport over real websocket
// connections between processes, grounded on the dial/backoff/ping/read-loop
// shape of a long-lived exchange stream connection: each configured peer gets
// one persistent, auto-reconnecting outbound connection, and one HTTP server
// accepts inbound connections from peers dialing this node. Node liveness
// (NodeUp/NodeDown) is derived entirely from the outbound side: this node
// considers a peer reachable exactly while its own dial to that peer is
// connected, mirroring how a market-data client only trusts its own socket
// state, never a peer's say-so.
package wsnet

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/transport"
)

const (
	mailboxBuffer    = 256
	pingInterval     = 15 * time.Second
	pingTimeout      = 5 * time.Second
	maxReconnectWait = 30 * time.Second
	dialTimeout      = 10 * time.Second
)

// PeerAddr is a peer's dial target: a ws:// or wss:// URL this node connects
// to in order to reach that peer's inbound server.
type PeerAddr struct {
	Node transport.NodeName
	URL  string
}

// Config configures one wsnet Node.
type Config struct {
	// Name is this node's identity, sent on every outbound frame.
	Name transport.NodeName
	// ListenAddr is the address the inbound HTTP/websocket server binds,
	// e.g. ":7946". Empty disables the inbound server (dial-only node).
	ListenAddr string
	// Peers is the static set of other cluster members this node dials.
	// Real deployments would source this from service discovery; wsnet
	// itself only needs a dial target per peer.
	Peers []PeerAddr
	// Registry resolves message types to wire kind tags. Every node in the
	// cluster must construct an identically-populated Registry.
	Registry *Registry
	Meter    metric.Meter
}

// Node implements transport.ClusterTransport over websockets.
type Node struct {
	cfg      Config
	registry *Registry

	mu        sync.RWMutex
	mailboxes map[transport.ProcessName]chan transport.Envelope

	peersMu sync.RWMutex
	peers   map[transport.NodeName]*peerConn

	obsMu     sync.Mutex
	observers []chan transport.NodeEvent

	server   *http.Server
	listener net.Listener

	sendCount    metric.Int64Counter
	recvCount    metric.Int64Counter
	dropCount    metric.Int64Counter
	peerUpGauge  metric.Int64UpDownCounter
}

var _ transport.ClusterTransport = (*Node)(nil)

// NewNode constructs a Node but does not yet dial peers or accept
// connections; call Start for that.
func NewNode(cfg Config) *Node {
	n := &Node{
		cfg:       cfg,
		registry:  cfg.Registry,
		mailboxes: make(map[transport.ProcessName]chan transport.Envelope),
		peers:     make(map[transport.NodeName]*peerConn),
	}
	if cfg.Meter != nil {
		n.sendCount, _ = cfg.Meter.Int64Counter("wsnet.sent", metric.WithUnit("{frame}"))
		n.recvCount, _ = cfg.Meter.Int64Counter("wsnet.received", metric.WithUnit("{frame}"))
		n.dropCount, _ = cfg.Meter.Int64Counter("wsnet.dropped", metric.WithUnit("{frame}"))
		n.peerUpGauge, _ = cfg.Meter.Int64UpDownCounter("wsnet.peers_up", metric.WithUnit("{peer}"))
	}
	return n
}

// Start launches the inbound server (if ListenAddr is set) and one outbound
// connect loop per configured peer. It returns once the inbound server is
// listening (or immediately, if ListenAddr is empty); outbound connections
// continue attempting in the background for the lifetime of ctx.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.ListenAddr != "" {
		if err := n.startServer(ctx); err != nil {
			return err
		}
	}
	for _, p := range n.cfg.Peers {
		n.AddPeer(ctx, p)
	}
	return nil
}

// AddPeer starts dialing a new peer, in addition to whatever was configured
// at construction time. Safe to call after Start, e.g. once service
// discovery resolves a peer's address at runtime.
func (n *Node) AddPeer(ctx context.Context, addr PeerAddr) {
	pc := newPeerConn(n, addr)
	n.peersMu.Lock()
	n.peers[addr.Node] = pc
	n.peersMu.Unlock()
	go pc.run(ctx)
}

// Addr returns the address the inbound server is actually listening on,
// useful when ListenAddr used an ephemeral port ("127.0.0.1:0").
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Stop closes the inbound server and the connections it accepted. Outbound
// loops exit when their ctx (passed to Start) is cancelled.
func (n *Node) Stop() {
	if n.server != nil {
		_ = n.server.Close()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
}

// ThisNode implements transport.ClusterTransport.
func (n *Node) ThisNode() transport.NodeName { return n.cfg.Name }

// ListPeers implements transport.ClusterTransport: only peers whose
// outbound connection is currently up are reachable.
func (n *Node) ListPeers() []transport.NodeName {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]transport.NodeName, 0, len(n.peers))
	for name, pc := range n.peers {
		if pc.isUp() {
			out = append(out, name)
		}
	}
	return out
}

// SendAsync implements transport.ClusterTransport. A peer with no live
// outbound connection, or a message type absent from the registry, is
// silently dropped, matching the interface's fire-and-forget contract.
func (n *Node) SendAsync(to transport.NodeName, proc transport.ProcessName, msg any) {
	n.peersMu.RLock()
	pc, ok := n.peers[to]
	n.peersMu.RUnlock()
	if !ok {
		n.countDrop()
		return
	}
	frame, err := n.registry.encodeFrame(n.cfg.Name, proc, msg)
	if err != nil {
		n.countDrop()
		return
	}
	if !pc.send(frame) {
		n.countDrop()
		return
	}
	if n.sendCount != nil {
		n.sendCount.Add(context.Background(), 1)
	}
}

// Register implements transport.ClusterTransport, mirroring transport/local's
// drop-oldest-on-full mailbox so behavior is identical whether a process
// receives local or wsnet traffic.
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
	n.obsMu.Lock()
	n.observers = append(n.observers, ch)
	n.obsMu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch
}

func (n *Node) notify(evt transport.NodeEvent) {
	n.obsMu.Lock()
	obs := append([]chan transport.NodeEvent(nil), n.observers...)
	n.obsMu.Unlock()
	for _, ch := range obs {
		select {
		case ch <- evt:
		default:
		}
	}
	if n.peerUpGauge != nil {
		delta := int64(1)
		if evt.Kind == transport.NodeDown {
			delta = -1
		}
		n.peerUpGauge.Add(context.Background(), delta)
	}
}

// deliver routes an inbound frame to the named process's mailbox, dropping
// the oldest buffered envelope to make room when full.
func (n *Node) deliver(from transport.NodeName, proc transport.ProcessName, msg any) {
	n.mu.RLock()
	ch, ok := n.mailboxes[proc]
	n.mu.RUnlock()
	if !ok {
		n.countDrop()
		return
	}
	env := transport.Envelope{From: from, Message: msg}
	select {
	case ch <- env:
		if n.recvCount != nil {
			n.recvCount.Add(context.Background(), 1)
		}
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- env:
		if n.recvCount != nil {
			n.recvCount.Add(context.Background(), 1)
		}
	default:
	}
}

func (n *Node) countDrop() {
	if n.dropCount != nil {
		n.dropCount.Add(context.Background(), 1)
	}
}

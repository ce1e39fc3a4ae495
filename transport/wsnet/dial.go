package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/combo-lab/combo-pubsub/transport"
)

// peerConn owns one peer's persistent outbound connection: dial, replay
// nothing (wsnet has no subscription state to resync, unlike a market-data
// stream), and keep the socket alive with pings until ctx is cancelled.
type peerConn struct {
	node *Node
	addr PeerAddr

	connMu sync.RWMutex
	conn   *websocket.Conn

	up atomic.Bool

	sendMu sync.Mutex
}

func newPeerConn(node *Node, addr PeerAddr) *peerConn {
	return &peerConn{node: node, addr: addr}
}

func (pc *peerConn) isUp() bool { return pc.up.Load() }

// send writes frame to the current connection, if any. It never blocks the
// caller beyond a short write timeout and never returns an error, matching
// SendAsync's fire-and-forget contract.
func (pc *peerConn) send(frame []byte) bool {
	pc.connMu.RLock()
	conn := pc.conn
	pc.connMu.RUnlock()
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	pc.sendMu.Lock()
	err := conn.Write(ctx, websocket.MessageBinary, frame)
	pc.sendMu.Unlock()
	return err == nil
}

// run persistently dials addr.URL, reporting NodeUp/NodeDown on this node's
// observers as the connection comes up and goes down, until ctx is done.
// Grounded on the exchange websocket client's connect loop: dial, backoff
// on failure, run read and ping loops concurrently, re-dial on either exit.
func (pc *peerConn) run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectWait

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, pc.addr.URL, nil)
		cancel()
		if err != nil {
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectWait
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		backoffCfg.Reset()
		pc.connMu.Lock()
		pc.conn = conn
		pc.connMu.Unlock()
		pc.up.Store(true)
		pc.node.notify(transport.NodeEvent{Kind: transport.NodeUp, Node: pc.addr.Node})

		connCtx, connCancel := context.WithCancel(ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- pc.pingLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- pc.readLoop(connCtx, conn)
		}()
		<-errCh
		connCancel()
		wg.Wait()
		close(errCh)

		pc.connMu.Lock()
		if pc.conn == conn {
			pc.conn = nil
		}
		pc.connMu.Unlock()
		pc.up.Store(false)
		pc.node.notify(transport.NodeEvent{Kind: transport.NodeDown, Node: pc.addr.Node})
		_ = conn.Close(websocket.StatusNormalClosure, "")

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (pc *peerConn) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop only needs to keep the connection's receive side drained; this
// node's inbound server handles the peer's sends back to it on its own
// connection, so any bytes read here are unexpected and simply discarded.
func (pc *peerConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 && status == websocket.StatusNormalClosure {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

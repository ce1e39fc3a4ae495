package wsnet

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// startServer accepts inbound connections from peers dialing this node and
// demultiplexes every frame read off of them into the matching local
// mailbox. One connection serves all processes a remote peer sends to, since
// the frame itself carries the destination process name.
func (n *Node) startServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return err
	}
	n.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/wsnet", func(w http.ResponseWriter, r *http.Request) {
		n.handleInbound(w, r)
	})
	baseCtx, cancelBase := context.WithCancel(ctx)
	n.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		_ = n.server.Serve(ln)
		// Serve returns once the server is closed. Closing the server does
		// not touch connections already upgraded to websockets, so ending the
		// base context is what ends their handleInbound read loops.
		cancelBase()
	}()
	go func() {
		<-ctx.Done()
		_ = n.server.Close()
	}()
	return nil
}

func (n *Node) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			return
		}
		from, proc, msg, err := n.registry.decodeFrame(data)
		if err != nil {
			log.Printf("wsnet: %s: discarding malformed frame from inbound connection: %v", n.cfg.Name, err)
			continue
		}
		n.deliver(from, proc, msg)
	}
}

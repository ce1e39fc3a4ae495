package wsnet

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/combo-lab/combo-pubsub/transport"
)

// wireFrame is the JSON body carried after the one-byte kind tag: the
// destination process and sender node travel alongside the registry-coded
// payload so a single connection can multiplex every process on a node.
type wireFrame struct {
	Sender  transport.NodeName   `json:"sender"`
	Proc    transport.ProcessName `json:"proc"`
	Payload json.RawMessage      `json:"payload"`
}

// encodeFrame builds the on-wire byte slice: [kind byte][json(wireFrame)].
func (r *Registry) encodeFrame(sender transport.NodeName, proc transport.ProcessName, msg any) ([]byte, error) {
	kind, payload, err := r.encode(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wireFrame{Sender: sender, Proc: proc, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wsnet: marshal frame: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, kind)
	out = append(out, body...)
	return out, nil
}

// decodeFrame is the inverse of encodeFrame.
func (r *Registry) decodeFrame(raw []byte) (transport.NodeName, transport.ProcessName, any, error) {
	if len(raw) < 1 {
		return "", "", nil, fmt.Errorf("wsnet: empty frame")
	}
	kind := raw[0]
	var frame wireFrame
	if err := json.Unmarshal(raw[1:], &frame); err != nil {
		return "", "", nil, fmt.Errorf("wsnet: unmarshal frame: %w", err)
	}
	msg, err := r.decode(kind, frame.Payload)
	if err != nil {
		return "", "", nil, err
	}
	return frame.Sender, frame.Proc, msg, nil
}

package registry

import "sync"

// Handle is an opaque reference to a mailbox-like endpoint capable of
// receiving an asynchronous message. The registry never interprets it
// beyond identity comparison, Send, and Done.
type Handle interface {
	// Send hands a message to the endpoint. It must not block the caller
	// for an unbounded amount of time; implementations that can't guarantee
	// a non-blocking underlying send should buffer internally.
	Send(msg any) error
	// Done is closed once the endpoint dies. The registry treats this as
	// the liveness monitor described in spec §4.A/§R1.
	Done() <-chan struct{}
}

// ChannelHandle is a Handle backed by a bounded buffered channel that drops
// the oldest queued message on overflow, the drop policy spec.md §5 asks
// implementations to document. It is the Go analogue of a subscriber
// mailbox with built-in buffering.
type ChannelHandle struct {
	ch   chan any
	done chan struct{}
	once sync.Once
}

// NewChannelHandle creates a ChannelHandle with the given buffer size.
func NewChannelHandle(buffer int) *ChannelHandle {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelHandle{
		ch:   make(chan any, buffer),
		done: make(chan struct{}),
	}
}

// C exposes the receive side of the mailbox.
func (h *ChannelHandle) C() <-chan any { return h.ch }

// Send implements Handle. It never blocks: a full buffer drops the oldest
// queued message to make room for the new one.
func (h *ChannelHandle) Send(msg any) error {
	select {
	case <-h.done:
		return errDeadHandle
	default:
	}
	select {
	case h.ch <- msg:
		return nil
	default:
	}
	select {
	case <-h.ch:
	default:
	}
	select {
	case h.ch <- msg:
		return nil
	default:
		return nil
	}
}

// Done implements Handle.
func (h *ChannelHandle) Done() <-chan struct{} { return h.done }

// Close kills the handle, causing the registry's liveness monitor to reap
// every subscription it holds.
func (h *ChannelHandle) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}

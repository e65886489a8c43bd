package server

import "sync"

// outbox is a connection's bounded outbound queue. Producers never block:
// push fails with ErrQueueFull instead. The writer drains ch until close.
type outbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 1
	}
	return &outbox{ch: make(chan []byte, size)}
}

func (o *outbox) push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrQueueClosed
	}
	select {
	case o.ch <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// close is idempotent. Frames already queued are still delivered.
func (o *outbox) close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.closed = true
	close(o.ch)
	return true
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

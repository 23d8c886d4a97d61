package transport

import (
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/session"
)

// outbox is the FIFO of messages waiting for one peer. Only the owning
// session's send loop takes from it, which keeps the per-peer order even
// when several chat sessions to the peer exist.
type outbox struct {
	mu      sync.Mutex
	queue   []messaging.Message
	pending map[uuid.UUID]struct{} // queued or being written
	owner   *session.Session
	signal  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		pending: make(map[uuid.UUID]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// push appends msg unless its id is already queued or in flight.
func (o *outbox) push(msg messaging.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[msg.ID]; ok {
		return false
	}
	o.pending[msg.ID] = struct{}{}
	o.queue = append(o.queue, msg)

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

// take returns the next message for s if s owns the outbox, claiming
// ownership first when the previous owner is gone. The second result is
// false when s is not the owner.
func (o *outbox) take(s *session.Session) (messaging.Message, bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner == nil || !o.owner.Alive() {
		o.owner = s
	}
	if o.owner != s {
		return messaging.Message{}, false, false
	}
	if len(o.queue) == 0 {
		return messaging.Message{}, true, false
	}
	msg := o.queue[0]
	o.queue = o.queue[1:]
	return msg, true, true
}

// done forgets a message once its write finished either way.
func (o *outbox) done(id uuid.UUID) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

// drain empties the queue and returns what was in it.
func (o *outbox) drain() []messaging.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.queue
	o.queue = nil
	for _, m := range out {
		delete(o.pending, m.ID)
	}
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

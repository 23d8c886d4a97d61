package transport

import (
	"errors"
	"io"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanchat/codec"
	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/session"
)

// EventKind tells a subscriber what happened to a message.
type EventKind uint8

const (
	// EventNew reports a message added to a peer's log.
	EventNew EventKind = iota + 1
	// EventUpdated reports a change to a logged message, usually its state.
	EventUpdated
)

// Event is one message notification.
type Event struct {
	Kind    EventKind
	PeerID  uuid.UUID
	Message messaging.Message
}

type subscriber struct {
	peerID uuid.UUID
	fn     func(Event)
}

// Subscribe registers fn for message events of peerID, or of every peer
// when peerID is uuid.Nil. The returned function cancels the subscription.
func (t *Transport) Subscribe(peerID uuid.UUID, fn func(Event)) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subscribers[id] = subscriber{peerID: peerID, fn: fn}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Transport) notify(kind EventKind, peerID uuid.UUID, msg messaging.Message) {
	t.mu.RLock()
	var fns []func(Event)
	for _, sub := range t.subscribers {
		if sub.peerID == uuid.Nil || sub.peerID == peerID {
			fns = append(fns, sub.fn)
		}
	}
	t.mu.RUnlock()

	ev := Event{Kind: kind, PeerID: peerID, Message: msg}
	for _, fn := range fns {
		callSubscriber(fn, ev)
	}
}

func callSubscriber(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "notify",
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Message subscriber panicked")
		}
	}()
	fn(ev)
}

// record writes msg to the log and notifies subscribers.
func (t *Transport) record(peerID uuid.UUID, msg messaging.Message) {
	if t.log.Append(peerID, msg) {
		t.notify(EventNew, peerID, msg)
		return
	}
	t.notify(EventUpdated, peerID, msg)
}

// update changes a logged message and notifies subscribers.
func (t *Transport) update(peerID uuid.UUID, msg messaging.Message) {
	t.log.Update(peerID, msg)
	t.notify(EventUpdated, peerID, msg)
}

func (t *Transport) outboxFor(peerID uuid.UUID) *outbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.outboxes[peerID]
	if !ok {
		o = newOutbox()
		t.outboxes[peerID] = o
	}
	return o
}

// Send queues msg for peerID. The message is stamped with the local
// identity and logged as SENDING. Without a live chat session it is logged
// as FAILED and ErrNotConnected is returned. Sending a message whose id is
// still queued only refreshes its log entry.
func (t *Transport) Send(peerID uuid.UUID, msg messaging.Message) error {
	self := t.Self()
	if self.IsZero() {
		return ErrNoIdentity
	}
	msg.Sender = self
	msg.PeerID = peerID
	msg.Mine = true
	msg.State = messaging.StateSending

	if !t.registry.HasLiveChat(peerID) {
		msg.State = messaging.StateFailed
		t.record(peerID, msg)
		t.metrics.MessageSent(false)
		return ErrNotConnected
	}

	t.record(peerID, msg)
	if !t.outboxFor(peerID).push(msg) {
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"peer_id":    peerID,
			"message_id": msg.ID,
		}).Debug("Message already queued")
		return nil
	}

	// The last session may have died between the check and the push.
	if !t.registry.HasLiveChat(peerID) {
		t.failQueued(peerID)
		return ErrNotConnected
	}
	return nil
}

// failQueued marks every message still queued for peerID as FAILED.
func (t *Transport) failQueued(peerID uuid.UUID) {
	t.mu.RLock()
	o := t.outboxes[peerID]
	t.mu.RUnlock()
	if o == nil {
		return
	}

	failed := o.drain()
	for _, msg := range failed {
		msg.State = messaging.StateFailed
		t.update(peerID, msg)
		t.metrics.MessageSent(false)
	}
	if len(failed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "failQueued",
			"peer_id":  peerID,
			"count":    len(failed),
		}).Warn("Peer gone, queued messages failed")
	}
}

// Pending returns the number of messages queued for peerID.
func (t *Transport) Pending(peerID uuid.UUID) int {
	t.mu.RLock()
	o := t.outboxes[peerID]
	t.mu.RUnlock()
	if o == nil {
		return 0
	}
	return o.len()
}

// startChat launches the loops of a registered chat session. Chat sessions
// are busy for their whole life so the idle sweep leaves them alone.
func (t *Transport) startChat(s *session.Session) {
	s.SetBusy(true)
	t.wg.Add(2)
	go t.sendLoop(s)
	go t.receiveLoop(s)
}

func (t *Transport) sendLoop(s *session.Session) {
	defer t.wg.Done()

	peerID := s.PeerID()
	o := t.outboxFor(peerID)
	stop := t.stopChan
	for s.Alive() {
		msg, owner, ok := o.take(s)
		if !ok {
			if !t.wait(o, owner, stop) {
				return
			}
			continue
		}

		err := s.WriteLine(codec.EncodeLine(codec.EncodeMessage(msg)))
		o.done(msg.ID)
		if errors.Is(err, limits.ErrMessageTooLarge) {
			msg.State = messaging.StateFailed
			t.update(peerID, msg)
			t.metrics.MessageSent(false)
			logrus.WithFields(logrus.Fields{
				"function":   "sendLoop",
				"peer_id":    peerID,
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Message too large to send")
			continue
		}
		if err != nil {
			msg.State = messaging.StateFailed
			t.update(peerID, msg)
			t.metrics.MessageSent(false)
			t.logIOError("sendLoop", s, err)
			t.registry.CloseAndNotify(s)
			return
		}

		msg.State = messaging.StateOK
		t.update(peerID, msg)
		t.metrics.MessageSent(true)
		logrus.WithFields(logrus.Fields{
			"function":   "sendLoop",
			"peer_id":    peerID,
			"message_id": msg.ID,
		}).Debug("Message sent")
	}
}

// wait blocks until the poll interval passes, or new mail arrives for the
// owner. It returns false once the transport is stopping.
func (t *Transport) wait(o *outbox, owner bool, stop <-chan struct{}) bool {
	timer := t.cfg.Clock.Timer(t.cfg.PollInterval)
	defer timer.Stop()

	var signal <-chan struct{}
	if owner {
		signal = o.signal
	}
	select {
	case <-stop:
		return false
	case <-signal:
	case <-timer.C:
	}
	return true
}

func (t *Transport) receiveLoop(s *session.Session) {
	defer t.wg.Done()

	peerID := s.PeerID()
	attrs, _ := s.Chat()
	for {
		line, err := s.ReadLine()
		if err != nil {
			t.logIOError("receiveLoop", s, err)
			t.registry.CloseAndNotify(s)
			return
		}

		raw, err := codec.DecodeLine(line)
		if err == nil {
			var msg messaging.Message
			msg, err = codec.DecodeMessage(raw)
			if err == nil {
				t.deliver(peerID, attrs, msg)
				continue
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "receiveLoop",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Discarding malformed message")
	}
}

// deliver logs a received message under the receiver's view.
func (t *Transport) deliver(peerID uuid.UUID, attrs session.ChatAttrs, msg messaging.Message) {
	msg.PeerID = peerID
	msg.Sender = attrs.Peer
	msg.State = messaging.StateOK
	msg.Mine = false

	if !t.log.Append(peerID, msg) {
		// A resend of something we already have.
		t.notify(EventUpdated, peerID, msg)
		return
	}
	t.metrics.MessageReceived()
	t.notify(EventNew, peerID, msg)

	logrus.WithFields(logrus.Fields{
		"function":   "receiveLoop",
		"peer_id":    peerID,
		"message_id": msg.ID,
		"kind":       msg.Kind,
	}).Debug("Message received")

	if msg.File != nil {
		if fn := t.getHooks().FileReference; fn != nil {
			fn(peerID, *msg.File)
		}
	}
}

func (t *Transport) logIOError(function string, s *session.Session, err error) {
	entry := logrus.WithFields(logrus.Fields{
		"function": function,
		"session":  s.ID(),
		"peer_id":  s.PeerID(),
		"error":    err.Error(),
	})
	switch {
	case errors.Is(err, io.EOF):
		entry.Debug("Peer closed session")
	case errors.Is(err, session.ErrSessionClosed) || !t.isRunning():
		entry.Debug("Session closed locally")
	default:
		entry.Warn("Session I/O failed")
	}
}

// History returns the peer's messages in the order they were logged.
func (t *Transport) History(peerID uuid.UUID) []messaging.Message {
	return t.log.History(peerID)
}

// LastMessage returns the peer's most recent message.
func (t *Transport) LastMessage(peerID uuid.UUID) (messaging.Message, bool) {
	return t.log.Last(peerID)
}

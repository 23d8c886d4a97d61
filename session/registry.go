package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultIdleTimeout is how long a session may go without I/O before the
// sweep closes it.
const DefaultIdleTimeout = 10 * time.Minute

// Registry tracks every live session of a node.
//
// mu guards sessions, chats and onRemoved. Sessions are closed outside the
// lock; Session.Close does not block on the registry.
type Registry struct {
	clock       clock.Clock
	idleTimeout time.Duration

	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	chats     map[uuid.UUID]*Session // indexed chat session per peer id
	onRemoved func(*Session)

	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewRegistry creates an empty registry. A zero idle timeout selects
// DefaultIdleTimeout.
func NewRegistry(clk clock.Clock, idleTimeout time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		clock:       clk,
		idleTimeout: idleTimeout,
		sessions:    make(map[uuid.UUID]*Session),
		chats:       make(map[uuid.UUID]*Session),
		wake:        make(chan struct{}, 1),
	}
}

// OnRemoved sets the callback fired once for every registered session that
// gets closed, whatever closed it.
func (r *Registry) OnRemoved(fn func(*Session)) {
	r.mu.Lock()
	r.onRemoved = fn
	r.mu.Unlock()
}

// Start launches the idle sweep loop.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)
	go r.sweepLoop(r.stopChan)
}

// Stop ends the sweep loop and closes every registered session.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()
	r.wg.Wait()

	for _, s := range r.Sessions() {
		r.CloseAndNotify(s)
	}
}

// Register adds a session. A chat session becomes the indexed session for
// its peer, replacing any earlier entry in the index.
func (r *Registry) Register(s *Session) error {
	if !s.Alive() {
		return ErrSessionClosed
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	if s.Kind() == KindChat {
		r.chats[s.PeerID()] = s
	}
	total := len(r.sessions)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"session":  s.ID(),
		"kind":     s.Kind(),
		"peer_id":  s.PeerID(),
		"total":    total,
	}).Debug("Session registered")

	r.nudge()
	return nil
}

// CloseAndNotify closes a session and removes it. Closing a chat session
// also closes every other session with the same peer. Calling it again on a
// closed session does nothing.
func (r *Registry) CloseAndNotify(s *Session) {
	if !s.Close() {
		return
	}
	r.finish(s)
}

// finish removes a closed session, fires the removal callback and closes
// the sessions that depended on it.
func (r *Registry) finish(s *Session) {
	peerID := s.PeerID()
	var related []*Session

	r.mu.Lock()
	_, registered := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	if r.chats[peerID] == s {
		delete(r.chats, peerID)
	}
	if s.Kind() == KindChat {
		for _, other := range r.sessions {
			if other.PeerID() == peerID {
				related = append(related, other)
			}
		}
	}
	onRemoved := r.onRemoved
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "CloseAndNotify",
		"session":  s.ID(),
		"kind":     s.Kind(),
		"peer_id":  peerID,
		"related":  len(related),
	}).Debug("Session closed")

	if registered && onRemoved != nil {
		onRemoved(s)
	}
	for _, other := range related {
		r.CloseAndNotify(other)
	}
	r.nudge()
}

// ReclaimIdleFileSession returns a client-side file session to peerID that
// was idle, now marked busy, or nil if there is none.
func (r *Registry) ReclaimIdleFileSession(peerID uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Kind() != KindFile || s.PeerID() != peerID {
			continue
		}
		if attrs, _ := s.File(); !attrs.Local {
			continue
		}
		if s.TryAcquire() {
			return s
		}
	}
	return nil
}

// FindChatSession returns the indexed chat session for peerID, or nil.
func (r *Registry) FindChatSession(peerID uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chats[peerID]
}

// HasLiveChat reports whether any registered chat session to peerID is alive.
func (r *Registry) HasLiveChat(peerID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Kind() == KindChat && s.PeerID() == peerID && s.Alive() {
			return true
		}
	}
	return false
}

// ChatSessions returns all registered chat sessions.
func (r *Registry) ChatSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Kind() == KindChat {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) sweepLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		wait := r.sweep()
		timer := r.clock.Timer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sweep closes reapable sessions and returns how long to wait before the
// next idle deadline.
func (r *Registry) sweep() time.Duration {
	now := r.clock.Now()
	wait := r.idleTimeout
	var stale []*Session

	r.mu.RLock()
	for _, s := range r.sessions {
		if s.Busy() {
			continue
		}
		remaining := s.Updated().Add(r.idleTimeout).Sub(now)
		if !s.Alive() || remaining <= 0 {
			stale = append(stale, s)
			continue
		}
		if remaining < wait {
			wait = remaining
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"session":  s.ID(),
			"kind":     s.Kind(),
			"idle":     now.Sub(s.Updated()).String(),
		}).Info("Reaping idle session")
		r.reap(s)
	}
	return wait
}

// reap removes a session the sweep found dead or idle. Sessions closed
// without going through the registry still get their removal notification.
func (r *Registry) reap(s *Session) {
	s.Close()
	r.finish(s)
}

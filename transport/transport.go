package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/peer"
	"github.com/opd-ai/lanchat/session"
)

var (
	// ErrHandshakeRejected is returned when the peer answers ERR.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrNoIdentity is returned when the local identity has not been set.
	ErrNoIdentity = errors.New("local identity not set")
	// ErrNotRunning is returned when the transport is stopped.
	ErrNotRunning = errors.New("transport not running")
	// ErrNotConnected is returned when no live chat session to the peer exists.
	ErrNotConnected = errors.New("peer not connected")
	// ErrProtocol is returned for malformed handshake lines.
	ErrProtocol = errors.New("protocol violation")
)

// Hooks connect the transport to the rest of the node. All are optional.
type Hooks struct {
	// SessionAdded fires after any session is registered.
	SessionAdded func(*session.Session)
	// ChatConnected fires after a chat session to the peer is registered,
	// whichever side opened it.
	ChatConnected func(peerID uuid.UUID)
	// FileSession takes over an accepted file session. It runs on the
	// connection's goroutine and should return when the session ends.
	FileSession func(*session.Session)
	// FileReference fires for each newly received message that carries a file.
	FileReference func(peerID uuid.UUID, res messaging.FileResource)
}

// Transport accepts and opens sessions and moves chat messages over them.
//
// mu guards self, port, hooks, outboxes and subscribers. No lock is held
// while writing to or reading from a session.
type Transport struct {
	cfg      Config
	registry *session.Registry
	log      *messaging.Log
	metrics  *metrics.Metrics
	connects singleflight.Group

	mu          sync.RWMutex
	self        peer.Identity
	port        int
	hooks       Hooks
	outboxes    map[uuid.UUID]*outbox
	subscribers map[uint64]subscriber
	nextSub     uint64

	runMu       sync.Mutex
	listener    net.Listener
	handshaking map[net.Conn]struct{}
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// New creates a stopped transport. The registry is shared with the file
// service; m may be nil.
func New(cfg Config, registry *session.Registry, log *messaging.Log, m *metrics.Metrics) *Transport {
	if log == nil {
		log = messaging.NewLog()
	}
	return &Transport{
		cfg:         cfg.withDefaults(),
		registry:    registry,
		log:         log,
		metrics:     m,
		outboxes:    make(map[uuid.UUID]*outbox),
		subscribers: make(map[uint64]subscriber),
		handshaking: make(map[net.Conn]struct{}),
	}
}

// SetHooks installs the node callbacks.
func (t *Transport) SetHooks(h Hooks) {
	t.mu.Lock()
	t.hooks = h
	t.mu.Unlock()
}

func (t *Transport) getHooks() Hooks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hooks
}

// SetSelf sets the identity presented in chat handshakes and stamped on
// outgoing messages.
func (t *Transport) SetSelf(id peer.Identity) {
	t.mu.Lock()
	t.self = id
	t.mu.Unlock()
}

// Self returns the local identity.
func (t *Transport) Self() peer.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Port returns the bound listening port, or 0 when stopped.
func (t *Transport) Port() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port
}

// Log returns the message log the transport writes to.
func (t *Transport) Log() *messaging.Log {
	return t.log
}

// Start binds the listener and begins accepting sessions.
func (t *Transport) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	t.running = true
	t.stopChan = make(chan struct{})

	port := ln.Addr().(*net.TCPAddr).Port
	t.mu.Lock()
	t.port = port
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln, t.stopChan)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     ln.Addr().String(),
	}).Info("Chat transport listening")
	return nil
}

// Stop closes the listener and every session, then waits for all session
// goroutines to exit.
func (t *Transport) Stop() error {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopChan)
	err := t.listener.Close()
	for conn := range t.handshaking {
		conn.Close()
	}
	t.runMu.Unlock()

	for _, s := range t.registry.Sessions() {
		t.registry.CloseAndNotify(s)
	}
	t.wg.Wait()

	t.mu.Lock()
	t.port = 0
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Chat transport stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) isRunning() bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.running
}

func (t *Transport) acceptLoop(ln net.Listener, stop <-chan struct{}) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if !t.trackHandshake(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// trackHandshake remembers a connection still negotiating so Stop can
// unblock it. It reports false once stopping.
func (t *Transport) trackHandshake(conn net.Conn) bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.running {
		return false
	}
	t.handshaking[conn] = struct{}{}
	return true
}

func (t *Transport) untrackHandshake(conn net.Conn) {
	t.runMu.Lock()
	delete(t.handshaking, conn)
	t.runMu.Unlock()
}

// register adds a connected session to the registry and reports it.
func (t *Transport) register(s *session.Session) error {
	if err := t.registry.Register(s); err != nil {
		return err
	}
	t.metrics.SessionOpened(s.Kind().String())
	if !t.isRunning() {
		t.registry.CloseAndNotify(s)
		return ErrNotRunning
	}

	hooks := t.getHooks()
	if hooks.SessionAdded != nil {
		hooks.SessionAdded(s)
	}
	if s.Kind() == session.KindChat {
		t.startChat(s)
		if hooks.ChatConnected != nil {
			hooks.ChatConnected(s.PeerID())
		}
	}
	return nil
}

// SessionRemoved must be called for every session the registry removes.
// When the last chat session to a peer is gone, its queued messages fail.
func (t *Transport) SessionRemoved(s *session.Session) {
	t.metrics.SessionClosed(s.Kind().String())
	if s.Kind() != session.KindChat {
		return
	}
	if !t.registry.HasLiveChat(s.PeerID()) {
		t.failQueued(s.PeerID())
	}
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func parsePort(line string) (int, error) {
	port, err := strconv.Atoi(line)
	if err != nil || port <= 0 || port > 65535 {
		return 0, ErrProtocol
	}
	return port, nil
}

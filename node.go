package lanchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/lanchat/file"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/peer"
	"github.com/opd-ai/lanchat/presence"
	"github.com/opd-ai/lanchat/session"
	"github.com/opd-ai/lanchat/transport"
)

// ErrNoFile is returned by FileTaskFor for messages without a file.
var ErrNoFile = errors.New("message carries no file")

// Node is one chat participant on the LAN. It owns the presence service,
// the chat transport, the file manager and the session registry, and wires
// them together.
type Node struct {
	opts     *Options
	metrics  *metrics.Metrics
	registry *session.Registry
	log      *messaging.Log
	presence *presence.Service
	chat     *transport.Transport
	files    *file.Manager

	// runMu serializes Start and Stop; mu guards self. Subscribers may
	// run while runMu is held and must not call Start or Stop.
	runMu   sync.Mutex
	running atomic.Bool
	mu      sync.Mutex
	self    peer.Identity

	peerAdded          *subscribers[peer.Record]
	peerRemoved        *subscribers[peer.Record]
	chatSessionAdded   *subscribers[*session.Session]
	chatSessionRemoved *subscribers[*session.Session]
}

// New creates a stopped node with a fresh identity id. A nil opts selects
// NewOptions.
func New(opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}
	opts = opts.withDefaults()

	if opts.Proxy != nil {
		dialer, err := transport.NewProxyDialer(*opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		opts.Transport.Dialer = dialer
	}

	n := &Node{
		opts:               opts,
		metrics:            metrics.New(),
		log:                messaging.NewLog(),
		self:               peer.Identity{ID: uuid.New()},
		peerAdded:          newSubscribers[peer.Record]("peer_added"),
		peerRemoved:        newSubscribers[peer.Record]("peer_removed"),
		chatSessionAdded:   newSubscribers[*session.Session]("chat_session_added"),
		chatSessionRemoved: newSubscribers[*session.Session]("chat_session_removed"),
	}
	n.registry = session.NewRegistry(opts.Clock, opts.IdleTimeout)
	n.presence = presence.New(opts.Presence, n.metrics)
	n.chat = transport.New(opts.Transport, n.registry, n.log, n.metrics)
	n.files = file.New(opts.File, n.registry, n.chat, n.metrics)

	n.presence.OnPeerAdded(n.peerAdded.emit)
	n.presence.OnPeerRemoved(n.peerRemoved.emit)
	n.registry.OnRemoved(n.sessionRemoved)
	n.chat.SetHooks(transport.Hooks{
		SessionAdded:  n.sessionAdded,
		ChatConnected: n.files.OnChatSessionConnected,
		FileSession:   n.files.Serve,
		FileReference: n.fileReference,
	})
	n.chat.SetSelf(n.self)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"id":       n.self.ID,
	}).Info("Node created")
	return n, nil
}

// Start binds the chat listener, then starts file serving and presence. The
// node announces itself once it also has a name. Start on a running node is
// a no-op.
func (n *Node) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running.Load() {
		return nil
	}

	n.registry.Start()
	if err := n.chat.Start(); err != nil {
		n.registry.Stop()
		return fmt.Errorf("start transport: %w", err)
	}
	if err := n.files.Start(); err != nil {
		return multierr.Combine(fmt.Errorf("start files: %w", err), n.chat.Stop(), n.stopRegistry())
	}
	n.presence.SetSelf(n.Self())
	n.presence.SetPort(n.chat.Port())
	if err := n.presence.Start(); err != nil {
		return multierr.Combine(fmt.Errorf("start presence: %w", err), n.files.Stop(), n.chat.Stop(), n.stopRegistry())
	}
	n.running.Store(true)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"id":       n.Self().ID,
		"port":     n.chat.Port(),
	}).Info("Node started")
	return nil
}

// Stop shuts every component down and closes all sessions. Stop on a
// stopped node is a no-op.
func (n *Node) Stop() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if !n.running.Load() {
		return nil
	}
	n.running.Store(false)

	err := multierr.Combine(
		n.presence.Stop(),
		n.chat.Stop(),
		n.files.Stop(),
		n.stopRegistry(),
	)
	n.presence.SetPort(0)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"id":       n.Self().ID,
	}).Info("Node stopped")
	return err
}

func (n *Node) stopRegistry() error {
	n.registry.Stop()
	return nil
}

// Running reports whether the node is started.
func (n *Node) Running() bool { return n.running.Load() }

// Self returns the local identity.
func (n *Node) Self() peer.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// SetSelf sets the local name and avatar. The identity id never changes.
func (n *Node) SetSelf(name, avatar string) {
	n.mu.Lock()
	n.self.Name = name
	n.self.Avatar = avatar
	self := n.self
	n.mu.Unlock()

	n.chat.SetSelf(self)
	n.presence.SetSelf(self)
}

// Port returns the chat listener port, 0 when stopped.
func (n *Node) Port() int { return n.chat.Port() }

// Metrics returns the node's instrumentation.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Peers lists the peers currently announcing themselves.
func (n *Node) Peers() []peer.Record { return n.presence.Peers() }

// Peer looks up a discovered peer.
func (n *Node) Peer(id uuid.UUID) (peer.Record, bool) { return n.presence.Peer(id) }

// ChatSessions lists the live chat sessions, both directions.
func (n *Node) ChatSessions() []*session.Session { return n.registry.ChatSessions() }

// FindChatSession returns the indexed chat session to peerID, or nil.
func (n *Node) FindChatSession(peerID uuid.UUID) *session.Session {
	return n.registry.FindChatSession(peerID)
}

// History returns the messages exchanged with peerID, oldest first.
func (n *Node) History(peerID uuid.UUID) []messaging.Message { return n.log.History(peerID) }

// LastMessage returns the newest message exchanged with peerID.
func (n *Node) LastMessage(peerID uuid.UUID) (messaging.Message, bool) {
	return n.log.Last(peerID)
}

// Connect opens a chat session to a discovered peer.
func (n *Node) Connect(rec peer.Record) (*session.Session, error) {
	return n.ConnectContext(context.Background(), rec)
}

// ConnectContext is Connect with a context bounding the dial and handshake.
func (n *Node) ConnectContext(ctx context.Context, rec peer.Record) (*session.Session, error) {
	return n.chat.Connect(ctx, rec)
}

// SendMessage queues msg for peerID. The message is recorded in the history
// even when it fails.
func (n *Node) SendMessage(peerID uuid.UUID, msg messaging.Message) error {
	return n.chat.Send(peerID, msg)
}

// ShareFile makes a local file downloadable by peers.
func (n *Node) ShareFile(path string) (messaging.FileResource, error) {
	return n.files.Share(path)
}

// SendFile shares path and sends it to peerID as an image or file message.
func (n *Node) SendFile(peerID uuid.UUID, path string) (messaging.Message, error) {
	res, err := n.files.Share(path)
	if err != nil {
		return messaging.Message{}, err
	}
	msg := messaging.NewAttachment(res)
	return msg, n.chat.Send(peerID, msg)
}

// DownloadFile downloads a resource announced by peerID. Checksum and size
// are taken from the message that announced it when it is in the history.
func (n *Node) DownloadFile(peerID, resourceID uuid.UUID, fileName string) error {
	res := messaging.FileResource{ID: resourceID, Name: fileName}
	for _, msg := range n.log.History(peerID) {
		if msg.File != nil && msg.File.ID == resourceID {
			res = *msg.File
			res.Name = fileName
			break
		}
	}
	return n.files.Download(peerID, res)
}

// CloseSession closes s and every session it takes down with it.
func (n *Node) CloseSession(s *session.Session) {
	n.registry.CloseAndNotify(s)
}

// FileTaskFor returns the transfer attached to a file message: the download
// for received messages, the upload for sent ones. A message without a task
// yet yields an IDLE placeholder.
func (n *Node) FileTaskFor(msg messaging.Message) (file.Task, error) {
	if msg.File == nil {
		return file.Task{}, ErrNoFile
	}
	key := file.TaskKey{Download: !msg.Mine, PeerID: msg.PeerID, ResourceID: msg.File.ID}
	if task, ok := n.files.Task(key); ok {
		return task, nil
	}
	return file.Task{
		Key:      key,
		Name:     msg.File.Name,
		Size:     msg.File.Size,
		Progress: file.ProgressIdle,
	}, nil
}

// FileTasks returns every known transfer.
func (n *Node) FileTasks() []file.Task { return n.files.Tasks() }

// OnPeerAdded subscribes to discovered and changed peers.
func (n *Node) OnPeerAdded(fn func(peer.Record)) func() { return n.peerAdded.add(fn) }

// OnPeerRemoved subscribes to peers that stopped announcing themselves.
func (n *Node) OnPeerRemoved(fn func(peer.Record)) func() { return n.peerRemoved.add(fn) }

// OnChatSessionAdded subscribes to newly registered chat sessions.
func (n *Node) OnChatSessionAdded(fn func(*session.Session)) func() {
	return n.chatSessionAdded.add(fn)
}

// OnChatSessionRemoved subscribes to closed chat sessions.
func (n *Node) OnChatSessionRemoved(fn func(*session.Session)) func() {
	return n.chatSessionRemoved.add(fn)
}

// SubscribeMessages subscribes to new and updated messages of peerID, or of
// all peers when peerID is uuid.Nil.
func (n *Node) SubscribeMessages(peerID uuid.UUID, fn func(transport.Event)) func() {
	return n.chat.Subscribe(peerID, fn)
}

// SubscribeFileTasks subscribes to coalesced task updates of peerID, or of
// all peers when peerID is uuid.Nil.
func (n *Node) SubscribeFileTasks(peerID uuid.UUID, fn func(file.Task)) func() {
	return n.files.SubscribeTasks(peerID, fn)
}

func (n *Node) sessionAdded(s *session.Session) {
	if s.Kind() == session.KindChat {
		n.chatSessionAdded.emit(s)
	}
}

func (n *Node) sessionRemoved(s *session.Session) {
	n.chat.SessionRemoved(s)
	if s.Kind() == session.KindChat {
		n.chatSessionRemoved.emit(s)
	}
}

func (n *Node) fileReference(peerID uuid.UUID, res messaging.FileResource) {
	if !n.opts.AutoDownload {
		return
	}
	if err := n.files.Download(peerID, res); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "fileReference",
			"peer_id":     peerID,
			"resource_id": res.ID,
			"error":       err.Error(),
		}).Warn("Automatic download refused")
	}
}

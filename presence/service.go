package presence

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanchat/codec"
	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/peer"
)

// ErrAlreadyRunning is returned by Start on a running service.
var ErrAlreadyRunning = errors.New("presence service already running")

// Service publishes the local presence record and maintains the peer table.
//
// mu guards self, port, peers and the callbacks. Callbacks run without the
// lock held.
type Service struct {
	cfg         Config
	metrics     *metrics.Metrics
	reassembler *Reassembler

	mu        sync.RWMutex
	self      peer.Identity
	port      int
	peers     map[uuid.UUID]peer.Record
	onAdded   func(peer.Record)
	onRemoved func(peer.Record)
	// oversized is the last identity too large to announce in full.
	oversized peer.Identity

	runMu    sync.Mutex
	conn     Conn
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped presence service. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		metrics:     m,
		reassembler: NewReassembler(cfg.MaxPendingBatches, cfg.FragmentTimeout),
		peers:       make(map[uuid.UUID]peer.Record),
	}
}

// OnPeerAdded sets the callback for newly discovered or changed peers.
func (s *Service) OnPeerAdded(fn func(peer.Record)) {
	s.mu.Lock()
	s.onAdded = fn
	s.mu.Unlock()
}

// OnPeerRemoved sets the callback for expired or changed peers.
func (s *Service) OnPeerRemoved(fn func(peer.Record)) {
	s.mu.Lock()
	s.onRemoved = fn
	s.mu.Unlock()
}

// SetSelf sets the identity announced to the group.
func (s *Service) SetSelf(id peer.Identity) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// SetPort sets the chat port announced to the group.
func (s *Service) SetPort(port int) {
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
}

// Peers returns the known peers ordered by name, then id.
func (s *Service) Peers() []peer.Record {
	s.mu.RLock()
	out := make([]peer.Record, 0, len(s.peers))
	for _, r := range s.peers {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Name != out[j].Identity.Name {
			return out[i].Identity.Name < out[j].Identity.Name
		}
		return out[i].Identity.ID.String() < out[j].Identity.ID.String()
	})
	return out
}

// Peer looks up one known peer.
func (s *Service) Peer(id uuid.UUID) (peer.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.peers[id]
	return r, ok
}

// Start opens the group endpoint and launches the publish, receive and
// reaper loops.
func (s *Service) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	conn, err := s.cfg.Open()
	if err != nil {
		return err
	}
	s.conn = conn
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(3)
	go s.publishLoop(conn, s.stopChan)
	go s.receiveLoop(conn, s.stopChan)
	go s.reapLoop(s.stopChan)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"group":    s.cfg.Group,
	}).Info("Presence service started")
	return nil
}

// Stop closes the endpoint and waits for the loops to exit. The peer table
// is cleared without removal callbacks.
func (s *Service) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopChan)
	err := s.conn.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.peers = make(map[uuid.UUID]peer.Record)
	s.mu.Unlock()
	s.metrics.SetPresencePeers(0)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Presence service stopped")
	return err
}

func (s *Service) stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (s *Service) publishLoop(conn Conn, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(s.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		s.publish(conn)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// publish sends one announcement, if the identity and port are known.
func (s *Service) publish(conn Conn) {
	s.mu.RLock()
	self, port := s.self, s.port
	s.mu.RUnlock()

	if self.IsZero() || self.Name == "" || port <= 0 {
		return
	}

	payload := codec.EncodePresence(peer.Record{Identity: self, Port: port})
	fragments := Split(payload, s.cfg.FragmentPayload)
	if len(fragments) > limits.MaxFragments {
		if fragments = s.withoutAvatar(self, port, len(fragments)); fragments == nil {
			return
		}
	}
	for _, f := range fragments {
		if err := conn.WriteGroup(codec.EncodeFragment(f)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "publish",
				"batch":    f.BatchID,
				"seq":      f.Seq,
				"error":    err.Error(),
			}).Debug("Presence datagram not sent")
			return
		}
	}
}

// withoutAvatar splits the announcement again with the avatar left out,
// since receivers drop batches of more than limits.MaxFragments. It returns
// nil when the record still does not fit. Each identity is warned about once.
func (s *Service) withoutAvatar(self peer.Identity, port, count int) []codec.Fragment {
	s.mu.Lock()
	warned := s.oversized == self
	s.oversized = self
	s.mu.Unlock()

	trimmed := self
	trimmed.Avatar = ""
	fragments := Split(codec.EncodePresence(peer.Record{Identity: trimmed, Port: port}), s.cfg.FragmentPayload)
	fits := len(fragments) <= limits.MaxFragments

	if !warned {
		entry := logrus.WithFields(logrus.Fields{
			"function":     "publish",
			"fragments":    count,
			"limit":        limits.MaxFragments,
			"avatar_bytes": len(self.Avatar),
		})
		if fits {
			entry.Warn("Presence record too large, announcing without avatar")
		} else {
			entry.Error("Presence record too large, not announcing")
		}
	}
	if !fits {
		return nil
	}
	return fragments
}

func (s *Service) receiveLoop(conn Conn, stop <-chan struct{}) {
	defer s.wg.Done()

	buf := make([]byte, limits.MaxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if s.stopping(stop) || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Warn("Presence read failed")
			continue
		}
		s.handleDatagram(buf[:n], from, s.cfg.Clock.Now())
	}
}

// handleDatagram feeds one datagram into reassembly and upserts the record
// it completes.
func (s *Service) handleDatagram(data []byte, from net.Addr, now time.Time) {
	if err := limits.ValidateDatagram(data); err != nil {
		s.metrics.FragmentsDropped(1)
		return
	}
	f, err := codec.DecodeFragment(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Discarding datagram")
		s.metrics.FragmentsDropped(1)
		return
	}
	// The reassembler keeps chunks past this call; buf is reused.
	f.Chunk = append([]byte(nil), f.Chunk...)

	payload, ok := s.reassembler.Add(f, now)
	if !ok {
		return
	}
	rec, err := codec.DecodePresence(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Discarding presence record")
		return
	}
	rec.Host = hostOf(from)
	rec.LastActive = now
	s.upsert(rec)
}

func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// upsert records a received announcement. A peer whose name or avatar
// changed is reported as removed and added again.
func (s *Service) upsert(rec peer.Record) {
	s.mu.Lock()
	if rec.Identity.ID == s.self.ID {
		s.mu.Unlock()
		return
	}
	old, known := s.peers[rec.Identity.ID]
	s.peers[rec.Identity.ID] = rec
	total := len(s.peers)
	onAdded, onRemoved := s.onAdded, s.onRemoved
	s.mu.Unlock()

	changed := known && !old.Identity.Equal(rec.Identity)
	if known && !changed {
		return
	}
	s.metrics.SetPresencePeers(total)

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "upsert",
			"peer":     rec.Identity.String(),
			"old_name": old.Identity.Name,
		}).Info("Peer identity changed")
		if onRemoved != nil {
			onRemoved(old)
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "upsert",
			"peer":     rec.Identity.String(),
			"addr":     rec.Addr(),
		}).Info("Peer online")
	}
	if onAdded != nil {
		onAdded(rec)
	}
}

func (s *Service) reapLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(s.cfg.HeartbeatTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := s.cfg.Clock.Now()
			s.reap(now)
			s.metrics.FragmentsDropped(s.reassembler.Sweep(now))
		}
	}
}

// reap removes peers not heard from within the heartbeat timeout.
func (s *Service) reap(now time.Time) {
	var expired []peer.Record

	s.mu.Lock()
	for id, r := range s.peers {
		if now.Sub(r.LastActive) > s.cfg.HeartbeatTimeout {
			expired = append(expired, r)
			delete(s.peers, id)
		}
	}
	total := len(s.peers)
	onRemoved := s.onRemoved
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.metrics.SetPresencePeers(total)

	for _, r := range expired {
		logrus.WithFields(logrus.Fields{
			"function":  "reap",
			"peer":      r.Identity.String(),
			"last_seen": r.LastActive,
		}).Info("Peer offline")
		if onRemoved != nil {
			onRemoved(r)
		}
	}
}

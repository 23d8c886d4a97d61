package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanchat/codec"
	"github.com/opd-ai/lanchat/peer"
	"github.com/opd-ai/lanchat/session"
)

// maxTagLength bounds the first handshake line, read before any buffering.
const maxTagLength = 16

// readTag reads the session tag one byte at a time so nothing past the
// newline is consumed before the session's own reader takes over.
func readTag(conn net.Conn) (string, error) {
	buf := make([]byte, 0, maxTagLength)
	b := make([]byte, 1)
	for len(buf) < maxTagLength {
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("%w: tag longer than %d bytes", ErrProtocol, maxTagLength)
}

func (t *Transport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	s, err := t.acceptHandshake(conn)
	t.untrackHandshake(conn)
	if err != nil {
		if t.isRunning() {
			logrus.WithFields(logrus.Fields{
				"function": "handleInbound",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Rejected inbound session")
		}
		return
	}

	if err := t.register(s); err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleInbound",
		"session":  s.ID(),
		"kind":     s.Kind(),
		"peer_id":  s.PeerID(),
	}).Info("Inbound session connected")

	if s.Kind() == session.KindFile {
		if fn := t.getHooks().FileSession; fn != nil {
			fn(s)
			return
		}
		t.registry.CloseAndNotify(s)
	}
}

// acceptHandshake runs the acceptor side and returns a connected, not yet
// registered session. On failure the connection is closed, after an ERR
// reply when the peer sent something we could not accept.
func (t *Transport) acceptHandshake(conn net.Conn) (*session.Session, error) {
	conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))

	reject := func(err error) (*session.Session, error) {
		conn.Write([]byte(session.ReplyErr + "\n"))
		conn.Close()
		return nil, err
	}

	tag, err := readTag(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	kind, ok := session.KindForTag(tag)
	if !ok {
		return reject(fmt.Errorf("%w: unknown session tag %q", ErrProtocol, tag))
	}

	s := session.New(kind, conn, t.cfg.Clock)
	line, err := s.ReadLine()
	if err != nil {
		return reject(err)
	}
	peerID, err := uuid.Parse(line)
	if err != nil || peerID == uuid.Nil {
		return reject(fmt.Errorf("%w: bad peer id %q", ErrProtocol, line))
	}
	s.SetPeerID(peerID)

	switch kind {
	case session.KindChat:
		attrs, err := t.readChatFields(s, peerID)
		if err != nil {
			return reject(err)
		}
		s.SetChat(attrs)
	case session.KindFile:
		s.SetFile(session.FileAttrs{Local: false})
	}

	if err := s.WriteLine(session.ReplyOK); err != nil {
		s.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	s.MarkConnected()
	return s, nil
}

func (t *Transport) readChatFields(s *session.Session, peerID uuid.UUID) (session.ChatAttrs, error) {
	line, err := s.ReadLine()
	if err != nil {
		return session.ChatAttrs{}, err
	}
	raw, err := codec.DecodeLine(line)
	if err != nil {
		return session.ChatAttrs{}, err
	}
	id, err := codec.DecodeIdentity(raw)
	if err != nil {
		return session.ChatAttrs{}, err
	}
	if id.ID != peerID {
		return session.ChatAttrs{}, fmt.Errorf("%w: identity %s does not match peer id %s", ErrProtocol, id.ID, peerID)
	}

	line, err = s.ReadLine()
	if err != nil {
		return session.ChatAttrs{}, err
	}
	port, err := parsePort(line)
	if err != nil {
		return session.ChatAttrs{}, fmt.Errorf("%w: bad port %q", err, line)
	}
	return session.ChatAttrs{Peer: id, RemotePort: port, Inbound: true}, nil
}

// Connect opens a chat session to a discovered peer. If an outbound chat
// session to that peer is already alive it is returned instead, and
// concurrent calls for the same peer share one attempt.
func (t *Transport) Connect(ctx context.Context, rec peer.Record) (*session.Session, error) {
	if !t.isRunning() {
		return nil, ErrNotRunning
	}
	self := t.Self()
	if self.IsZero() {
		return nil, ErrNoIdentity
	}
	if s := t.outboundChat(rec.Identity.ID); s != nil {
		return s, nil
	}

	v, err, _ := t.connects.Do(rec.Identity.ID.String(), func() (interface{}, error) {
		if s := t.outboundChat(rec.Identity.ID); s != nil {
			return s, nil
		}
		return t.connectChat(ctx, self, rec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (t *Transport) outboundChat(peerID uuid.UUID) *session.Session {
	for _, s := range t.registry.ChatSessions() {
		if s.PeerID() != peerID || !s.Alive() {
			continue
		}
		if attrs, _ := s.Chat(); !attrs.Inbound {
			return s
		}
	}
	return nil
}

func (t *Transport) connectChat(ctx context.Context, self peer.Identity, rec peer.Record) (*session.Session, error) {
	s, err := t.dial(ctx, session.KindChat, rec.Addr())
	if err != nil {
		return nil, err
	}
	s.SetPeerID(rec.Identity.ID)
	s.SetChat(session.ChatAttrs{Peer: rec.Identity, RemotePort: rec.Port, Inbound: false})

	err = t.initiate(s,
		session.TagChat,
		self.ID.String(),
		codec.EncodeLine(codec.EncodeIdentity(self)),
		strconv.Itoa(t.Port()),
	)
	if err != nil {
		return nil, err
	}
	if err := t.register(s); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"session":  s.ID(),
		"peer":     rec.Identity.String(),
		"addr":     rec.Addr(),
	}).Info("Chat session connected")
	return s, nil
}

// OpenFileSession opens a new file session to a peer, using the host and
// listening port known from its chat session. The session is registered and
// returned busy; release it with SetBusy(false).
func (t *Transport) OpenFileSession(ctx context.Context, peerID uuid.UUID) (*session.Session, error) {
	if !t.isRunning() {
		return nil, ErrNotRunning
	}
	self := t.Self()
	if self.IsZero() {
		return nil, ErrNoIdentity
	}
	chat := t.registry.FindChatSession(peerID)
	if chat == nil || !chat.Alive() {
		return nil, ErrNotConnected
	}
	attrs, _ := chat.Chat()
	addr := net.JoinHostPort(hostOf(chat.RemoteAddr()), strconv.Itoa(attrs.RemotePort))

	s, err := t.dial(ctx, session.KindFile, addr)
	if err != nil {
		return nil, err
	}
	s.SetPeerID(peerID)
	s.SetFile(session.FileAttrs{Local: true})
	s.SetBusy(true)

	if err := t.initiate(s, session.TagFile, self.ID.String()); err != nil {
		return nil, err
	}
	if err := t.register(s); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenFileSession",
		"session":  s.ID(),
		"peer_id":  peerID,
		"addr":     addr,
	}).Debug("File session connected")
	return s, nil
}

func (t *Transport) dial(ctx context.Context, kind session.Kind, addr string) (*session.Session, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.cfg.Dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return session.New(kind, conn, t.cfg.Clock), nil
}

// initiate sends the handshake lines and waits for the acceptor's reply.
// The session is closed on failure.
func (t *Transport) initiate(s *session.Session, lines ...string) error {
	s.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))

	if err := s.WriteLines(lines...); err != nil {
		s.Close()
		return err
	}
	reply, err := s.ReadLine()
	if err != nil {
		s.Close()
		if errors.Is(err, io.EOF) {
			return ErrHandshakeRejected
		}
		return err
	}
	if reply != session.ReplyOK {
		s.Close()
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, reply)
	}

	s.SetReadDeadline(time.Time{})
	s.MarkConnected()
	return nil
}

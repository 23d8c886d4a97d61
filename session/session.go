package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/peer"
)

var (
	// ErrSessionClosed is returned for I/O on a session that has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrLineTooLong is returned when a peer sends a line above limits.MaxLineLength.
	ErrLineTooLong = errors.New("line too long")
)

// Kind distinguishes chat sessions from file sessions.
type Kind uint8

const (
	KindChat Kind = iota + 1
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State is the lifecycle stage of a session. Transitions only move forward.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ChatAttrs are the fields only chat sessions carry.
type ChatAttrs struct {
	Peer       peer.Identity
	RemotePort int
	Inbound    bool
}

// FileAttrs are the fields only file sessions carry.
type FileAttrs struct {
	// Local is true when this node opened the connection to download.
	Local bool
}

// Session is one live connection to a peer.
type Session struct {
	id    uuid.UUID
	kind  Kind
	conn  net.Conn
	clock clock.Clock

	reader  *bufio.Reader
	readMu  sync.Mutex
	writer  *bufio.Writer
	writeMu sync.Mutex

	mu      sync.RWMutex
	peerID  uuid.UUID
	state   State
	busy    bool
	created time.Time
	updated time.Time
	chat    ChatAttrs
	file    FileAttrs
}

// New wraps conn in a session of the given kind in the Connecting state.
func New(kind Kind, conn net.Conn, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Session{
		id:      uuid.New(),
		kind:    kind,
		conn:    conn,
		clock:   clk,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   StateConnecting,
		created: now,
		updated: now,
	}
}

// ID returns the local identifier of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Kind returns the session kind.
func (s *Session) Kind() Kind { return s.kind }

// RemoteAddr returns the address of the other end of the connection.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// PeerID returns the context peer id.
func (s *Session) PeerID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// SetPeerID sets the context peer id. It is set once during the handshake.
func (s *Session) SetPeerID(id uuid.UUID) {
	s.mu.Lock()
	s.peerID = id
	s.mu.Unlock()
}

// Chat returns the chat attributes and whether this is a chat session.
func (s *Session) Chat() (ChatAttrs, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat, s.kind == KindChat
}

// SetChat stores the chat attributes learned during the handshake.
func (s *Session) SetChat(attrs ChatAttrs) {
	s.mu.Lock()
	s.chat = attrs
	s.mu.Unlock()
}

// File returns the file attributes and whether this is a file session.
func (s *Session) File() (FileAttrs, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file, s.kind == KindFile
}

// SetFile stores the file attributes.
func (s *Session) SetFile(attrs FileAttrs) {
	s.mu.Lock()
	s.file = attrs
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Alive reports whether the session has not been closed.
func (s *Session) Alive() bool {
	return s.State() != StateClosed
}

// MarkConnected moves a connecting session to Connected. It reports false
// if the session was already past that point.
func (s *Session) MarkConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateConnected
	s.updated = s.clock.Now()
	return true
}

// Busy reports whether the session is in active use and must not be reaped.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// SetBusy sets the busy flag. Clearing it also refreshes the update time so
// a session released after a long transfer gets a full idle period.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	if !busy {
		s.updated = s.clock.Now()
	}
	s.mu.Unlock()
}

// TryAcquire marks an alive, idle session busy and reports whether it did.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.state == StateClosed {
		return false
	}
	s.busy = true
	return true
}

// Created returns the creation time.
func (s *Session) Created() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created
}

// Updated returns the time of the last successful I/O.
func (s *Session) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

func (s *Session) touch() {
	s.mu.Lock()
	s.updated = s.clock.Now()
	s.mu.Unlock()
}

// SetReadDeadline bounds the next reads, used during the handshake.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// ReadLine reads one newline-terminated line without its terminator. A
// trailing carriage return is dropped as well.
func (s *Session) ReadLine() (string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var sb strings.Builder
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if sb.Len()+len(chunk) > limits.MaxLineLength+1 {
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, limits.MaxLineLength)
		}
		sb.Write(chunk)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", s.ioError(err)
	}
	s.touch()

	line := strings.TrimSuffix(sb.String(), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// WriteLine writes text followed by a newline and flushes.
func (s *Session) WriteLine(text string) error {
	return s.WriteLines(text)
}

// WriteLines writes several lines and flushes once. Nothing is written when
// any line fails limits.ValidateLine.
func (s *Session) WriteLines(lines ...string) error {
	for _, line := range lines {
		if err := limits.ValidateLine(line); err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, line := range lines {
		if _, err := s.writer.WriteString(line); err != nil {
			return s.ioError(err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return s.ioError(err)
		}
	}
	if err := s.writer.Flush(); err != nil {
		return s.ioError(err)
	}
	s.touch()
	return nil
}

// Read reads raw bytes following the last line. It shares the line buffer so
// no data is lost between ReadLine and Read.
func (s *Session) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	n, err := s.reader.Read(p)
	if n > 0 {
		s.touch()
	}
	if err != nil {
		return n, s.ioError(err)
	}
	return n, nil
}

// Write buffers raw bytes. Call Flush to push them to the peer.
func (s *Session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.writer.Write(p)
	if err != nil {
		return n, s.ioError(err)
	}
	return n, nil
}

// Flush pushes buffered bytes to the peer.
func (s *Session) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return s.ioError(err)
	}
	s.touch()
	return nil
}

// ioError maps errors on a closed session to ErrSessionClosed so loops can
// tell a deliberate close from a network fault.
func (s *Session) ioError(err error) error {
	if !s.Alive() || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

// Close moves the session to Closed and closes the connection. Only the
// first call has any effect; it reports whether this call closed it.
func (s *Session) Close() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.conn.Close()
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("%s session %s peer=%s state=%s", s.kind, s.id, s.PeerID(), s.State())
}

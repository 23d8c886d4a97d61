package messaging

import (
	"sync"

	"github.com/google/uuid"
)

// Log is the in-memory chat history of every peer.
type Log struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]Message
	index   map[uuid.UUID]map[uuid.UUID]int
}

// NewLog creates an empty message log.
func NewLog() *Log {
	return &Log{
		records: make(map[uuid.UUID][]Message),
		index:   make(map[uuid.UUID]map[uuid.UUID]int),
	}
}

// Append adds msg to the peer's history. If a message with the same id is
// already present it is replaced in place instead, and Append returns false.
func (l *Log) Append(peerID uuid.UUID, msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.index[peerID]
	if idx == nil {
		idx = make(map[uuid.UUID]int)
		l.index[peerID] = idx
	}
	if i, ok := idx[msg.ID]; ok {
		l.records[peerID][i] = msg
		return false
	}
	idx[msg.ID] = len(l.records[peerID])
	l.records[peerID] = append(l.records[peerID], msg)
	return true
}

// Update replaces the entry with msg's id. It returns false when the peer has
// no such message.
func (l *Log) Update(peerID uuid.UUID, msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[peerID][msg.ID]
	if !ok {
		return false
	}
	l.records[peerID][i] = msg
	return true
}

// Has reports whether the peer's history contains the message id.
func (l *Log) Has(peerID, msgID uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[peerID][msgID]
	return ok
}

// Get returns one message of the peer's history.
func (l *Log) Get(peerID, msgID uuid.UUID) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[peerID][msgID]
	if !ok {
		return Message{}, false
	}
	return l.records[peerID][i], true
}

// History returns a copy of the peer's messages in insertion order.
func (l *Log) History(peerID uuid.UUID) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.records[peerID]))
	copy(out, l.records[peerID])
	return out
}

// Last returns the most recently appended message of the peer.
func (l *Log) Last(peerID uuid.UUID) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.records[peerID]
	if len(list) == 0 {
		return Message{}, false
	}
	return list[len(list)-1], true
}

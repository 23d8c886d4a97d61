package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type removals struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *removals) record(s *Session) {
	r.mu.Lock()
	r.ids = append(r.ids, s.ID())
	r.mu.Unlock()
}

func (r *removals) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.ids {
		if got == id {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, clk clock.Clock, kind Kind, peerID uuid.UUID) *Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	s := New(kind, a, clk)
	s.SetPeerID(peerID)
	s.MarkConnected()
	return s
}

func TestRegisterIndexesChatSessions(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	peerID := uuid.New()

	first := newTestSession(t, mock, KindChat, peerID)
	second := newTestSession(t, mock, KindChat, peerID)
	file := newTestSession(t, mock, KindFile, peerID)

	require.NoError(t, reg.Register(first))
	assert.Same(t, first, reg.FindChatSession(peerID))

	require.NoError(t, reg.Register(second))
	require.NoError(t, reg.Register(file))
	assert.Same(t, second, reg.FindChatSession(peerID), "newer chat session supersedes the index entry")
	assert.Len(t, reg.ChatSessions(), 2)
	assert.Equal(t, 3, reg.Len())
	assert.True(t, reg.HasLiveChat(peerID))
	assert.Nil(t, reg.FindChatSession(uuid.New()))
}

func TestRegisterRejectsClosedSession(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	s := newTestSession(t, mock, KindChat, uuid.New())
	s.Close()

	assert.ErrorIs(t, reg.Register(s), ErrSessionClosed)
	assert.Equal(t, 0, reg.Len())
}

func TestCloseAndNotifyIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	var removed removals
	reg.OnRemoved(removed.record)

	s := newTestSession(t, mock, KindFile, uuid.New())
	require.NoError(t, reg.Register(s))

	reg.CloseAndNotify(s)
	reg.CloseAndNotify(s)

	assert.Equal(t, 1, removed.count(s.ID()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, reg.Len())
}

func TestClosingChatClosesPeerSessions(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	var removed removals
	reg.OnRemoved(removed.record)

	peerID := uuid.New()
	other := uuid.New()
	chat := newTestSession(t, mock, KindChat, peerID)
	file := newTestSession(t, mock, KindFile, peerID)
	unrelated := newTestSession(t, mock, KindFile, other)
	for _, s := range []*Session{chat, file, unrelated} {
		require.NoError(t, reg.Register(s))
	}

	reg.CloseAndNotify(chat)

	assert.False(t, file.Alive())
	assert.True(t, unrelated.Alive())
	assert.Equal(t, 1, removed.count(file.ID()))
	assert.Nil(t, reg.FindChatSession(peerID))
	assert.False(t, reg.HasLiveChat(peerID))
	assert.Equal(t, 1, reg.Len())
}

func TestClosingFileSessionKeepsChat(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	peerID := uuid.New()
	chat := newTestSession(t, mock, KindChat, peerID)
	file := newTestSession(t, mock, KindFile, peerID)
	require.NoError(t, reg.Register(chat))
	require.NoError(t, reg.Register(file))

	reg.CloseAndNotify(file)

	assert.True(t, chat.Alive())
	assert.Same(t, chat, reg.FindChatSession(peerID))
}

func TestReclaimIdleFileSession(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	peerID := uuid.New()

	served := newTestSession(t, mock, KindFile, peerID)
	served.SetFile(FileAttrs{Local: false})
	local := newTestSession(t, mock, KindFile, peerID)
	local.SetFile(FileAttrs{Local: true})
	require.NoError(t, reg.Register(served))
	require.NoError(t, reg.Register(local))

	got := reg.ReclaimIdleFileSession(peerID)
	require.Same(t, local, got)
	assert.True(t, got.Busy())

	assert.Nil(t, reg.ReclaimIdleFileSession(peerID), "busy sessions are not handed out twice")
	assert.Nil(t, reg.ReclaimIdleFileSession(uuid.New()))

	local.SetBusy(false)
	assert.Same(t, local, reg.ReclaimIdleFileSession(peerID))
}

func TestSweepReapsIdleSessions(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, 10*time.Minute)
	var removed removals
	reg.OnRemoved(removed.record)

	idle := newTestSession(t, mock, KindFile, uuid.New())
	busy := newTestSession(t, mock, KindFile, uuid.New())
	busy.SetBusy(true)
	require.NoError(t, reg.Register(idle))
	require.NoError(t, reg.Register(busy))

	mock.Add(4 * time.Minute)
	fresh := newTestSession(t, mock, KindFile, uuid.New())
	require.NoError(t, reg.Register(fresh))

	assert.Equal(t, 6*time.Minute, reg.sweep(), "next deadline is the oldest idle session")
	assert.Equal(t, 3, reg.Len())

	mock.Add(6 * time.Minute)
	assert.Equal(t, 4*time.Minute, reg.sweep())

	assert.False(t, idle.Alive())
	assert.Equal(t, 1, removed.count(idle.ID()))
	assert.True(t, busy.Alive(), "busy sessions are never reaped")
	assert.True(t, fresh.Alive())
	assert.Equal(t, 2, reg.Len())
}

func TestSweepRemovesSessionsClosedElsewhere(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	var removed removals
	reg.OnRemoved(removed.record)

	s := newTestSession(t, mock, KindChat, uuid.New())
	require.NoError(t, reg.Register(s))
	s.Close()

	reg.sweep()

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, removed.count(s.ID()))
	assert.Nil(t, reg.FindChatSession(s.PeerID()))
}

func TestSweepLoopRunsOnClock(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	s := newTestSession(t, mock, KindFile, uuid.New())
	require.NoError(t, reg.Register(s))

	reg.Start()
	defer reg.Stop()

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return reg.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.Alive())
}

func TestStopClosesEverything(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, time.Minute)
	var removed removals
	reg.OnRemoved(removed.record)

	a := newTestSession(t, mock, KindChat, uuid.New())
	b := newTestSession(t, mock, KindFile, uuid.New())
	b.SetBusy(true)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	reg.Start()
	reg.Stop()
	reg.Stop()

	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
	assert.Equal(t, 1, removed.count(a.ID()))
	assert.Equal(t, 1, removed.count(b.ID()))
}

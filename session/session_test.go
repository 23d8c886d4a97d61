package session

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanchat/limits"
)

func pipeSessions(t *testing.T, clk clock.Clock) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return New(KindChat, a, clk), New(KindChat, b, clk)
}

func TestStateIsMonotonic(t *testing.T) {
	s, _ := pipeSessions(t, clock.NewMock())

	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.MarkConnected())
	assert.False(t, s.MarkConnected())
	assert.Equal(t, StateConnected, s.State())

	assert.True(t, s.Close())
	assert.False(t, s.Close(), "second close must be a no-op")
	assert.False(t, s.MarkConnected(), "closed sessions never reconnect")
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.Alive())
}

func TestLinesAndBytesShareBuffer(t *testing.T) {
	a, b := pipeSessions(t, clock.NewMock())

	go func() {
		a.WriteLines("first", "second\r")
		a.Write([]byte("raw-bytes"))
		a.Flush()
	}()

	line, err := b.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = b.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	buf := make([]byte, len("raw-bytes"))
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "raw-bytes", string(buf))
}

func TestWriteRejectsInvalidLines(t *testing.T) {
	a, b := pipeSessions(t, clock.NewMock())

	long := strings.Repeat("x", limits.MaxLineLength+1)
	assert.ErrorIs(t, a.WriteLines("ok", long), limits.ErrMessageTooLarge)
	assert.ErrorIs(t, a.WriteLine(""), limits.ErrMessageEmpty)
	assert.True(t, a.Alive())

	go a.WriteLine("after")
	line, err := b.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "after", line, "rejected batches write nothing")
}

func TestIOTouchesUpdateTime(t *testing.T) {
	mock := clock.NewMock()
	a, b := pipeSessions(t, mock)
	created := b.Updated()

	mock.Add(time.Minute)
	go a.WriteLine("hello")
	_, err := b.ReadLine()
	require.NoError(t, err)

	assert.Equal(t, created.Add(time.Minute), b.Updated())
	assert.Equal(t, created, b.Created())
}

func TestReadAfterPeerCloseIsEOF(t *testing.T) {
	a, b := pipeSessions(t, clock.NewMock())
	a.Close()

	_, err := b.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIOOnClosedSession(t *testing.T) {
	a, _ := pipeSessions(t, clock.NewMock())
	a.Close()

	err := a.WriteLine("late")
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = a.ReadLine()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTryAcquire(t *testing.T) {
	s, _ := pipeSessions(t, clock.NewMock())

	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	s.SetBusy(false)
	assert.True(t, s.TryAcquire())

	s.SetBusy(false)
	s.Close()
	assert.False(t, s.TryAcquire())
}

func TestKindAttributes(t *testing.T) {
	chat, _ := pipeSessions(t, clock.NewMock())
	id := uuid.New()
	chat.SetPeerID(id)
	chat.SetChat(ChatAttrs{RemotePort: 4000, Inbound: true})

	attrs, ok := chat.Chat()
	assert.True(t, ok)
	assert.Equal(t, 4000, attrs.RemotePort)
	_, ok = chat.File()
	assert.False(t, ok)
	assert.Equal(t, id, chat.PeerID())

	c, _ := net.Pipe()
	defer c.Close()
	file := New(KindFile, c, nil)
	file.SetFile(FileAttrs{Local: true})
	fattrs, ok := file.File()
	assert.True(t, ok)
	assert.True(t, fattrs.Local)
}

func TestKindForTag(t *testing.T) {
	k, ok := KindForTag(TagChat)
	assert.True(t, ok)
	assert.Equal(t, KindChat, k)
	assert.Equal(t, TagChat, k.Tag())

	k, ok = KindForTag(TagFile)
	assert.True(t, ok)
	assert.Equal(t, KindFile, k)
	assert.Equal(t, TagFile, k.Tag())

	_, ok = KindForTag("VOICE")
	assert.False(t, ok)
}

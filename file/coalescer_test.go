package file

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bursts struct {
	mu  sync.Mutex
	got [][]string
}

func (b *bursts) flush(batch []string) {
	b.mu.Lock()
	b.got = append(b.got, batch)
	b.mu.Unlock()
}

func (b *bursts) snapshot() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.got...)
}

func TestCoalescerLatestWins(t *testing.T) {
	mock := clock.NewMock()
	b := &bursts{}
	c := NewCoalescer[int, string](mock, 200*time.Millisecond, b.flush)

	c.Put(1, "a1")
	c.Put(2, "b1")
	c.Put(1, "a2")
	assert.Equal(t, 2, c.Pending())

	mock.Add(100 * time.Millisecond)
	assert.Empty(t, b.snapshot(), "nothing before the window closes")

	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(b.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a2", "b1"}, b.snapshot()[0])
	assert.Equal(t, 0, c.Pending())
}

func TestCoalescerOneBurstPerWindow(t *testing.T) {
	mock := clock.NewMock()
	b := &bursts{}
	c := NewCoalescer[int, string](mock, 200*time.Millisecond, b.flush)

	for i := 0; i < 100; i++ {
		c.Put(i%3, "v")
	}
	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return len(b.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	c.Put(7, "late")
	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return len(b.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, b.snapshot()[0], 3)
	assert.Equal(t, []string{"late"}, b.snapshot()[1])
}

func TestCoalescerStopFlushes(t *testing.T) {
	mock := clock.NewMock()
	b := &bursts{}
	c := NewCoalescer[string, string](mock, time.Hour, b.flush)

	c.Put("k", "final")
	c.Stop()
	require.Len(t, b.snapshot(), 1)
	assert.Equal(t, []string{"final"}, b.snapshot()[0])

	c.Put("k", "after stop")
	require.Len(t, b.snapshot(), 2)
	assert.Equal(t, []string{"after stop"}, b.snapshot()[1])
}

func TestCoalescerEmptyFlush(t *testing.T) {
	b := &bursts{}
	c := NewCoalescer[int, string](clock.NewMock(), 0, b.flush)
	c.Flush()
	c.Stop()
	assert.Empty(t, b.snapshot())
}

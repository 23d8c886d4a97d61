package file

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCoalesceWindow is how long updates are buffered before a burst.
const DefaultCoalesceWindow = 200 * time.Millisecond

// Coalescer buffers values by key and hands them to flush at most once per
// window. A later Put for a buffered key replaces the value but keeps the
// key's position, so the latest state always wins.
type Coalescer[K comparable, V any] struct {
	clock  clock.Clock
	window time.Duration
	flush  func([]V)

	mu      sync.Mutex
	pending map[K]V
	order   []K
	timer   *clock.Timer
	stopped bool

	// flushMu keeps bursts in order when a timer flush races Stop.
	flushMu sync.Mutex
}

// NewCoalescer creates a coalescer delivering bursts to flush.
func NewCoalescer[K comparable, V any](clk clock.Clock, window time.Duration, flush func([]V)) *Coalescer[K, V] {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Coalescer[K, V]{
		clock:   clk,
		window:  window,
		flush:   flush,
		pending: make(map[K]V),
	}
}

// Put buffers v under k and arms the window timer if it is not running.
// After Stop, values are delivered immediately.
func (c *Coalescer[K, V]) Put(k K, v V) {
	c.mu.Lock()
	if _, ok := c.pending[k]; !ok {
		c.order = append(c.order, k)
	}
	c.pending[k] = v
	if c.stopped {
		c.mu.Unlock()
		c.Flush()
		return
	}
	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.window, c.Flush)
	}
	c.mu.Unlock()
}

// Flush delivers everything buffered now.
func (c *Coalescer[K, V]) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.order) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]V, 0, len(c.order))
	for _, k := range c.order {
		batch = append(batch, c.pending[k])
	}
	c.pending = make(map[K]V)
	c.order = nil
	c.mu.Unlock()

	c.flush(batch)
}

// Stop delivers what is buffered and makes later Puts flush synchronously.
func (c *Coalescer[K, V]) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.Flush()
}

// Pending returns the number of buffered keys.
func (c *Coalescer[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

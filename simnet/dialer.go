package simnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// ErrDialInjected is returned for dial attempts the Dialer was told to fail.
var ErrDialInjected = errors.New("simnet: injected dial failure")

// Dialer makes connections through Forward and degrades them.
type Dialer struct {
	// Forward performs the real dial; proxy.Direct when nil.
	Forward proxy.ContextDialer
	// BytesPerSecond throttles reads on each connection; 0 means unthrottled.
	BytesPerSecond int
	// CutAfter closes a connection once that many bytes were read from it;
	// 0 means never. Only the first CutConnections connections are cut.
	CutAfter       int64
	CutConnections int

	mu        sync.Mutex
	failDials int
	dials     int
	cuts      int
}

// FailNext makes the next n dial attempts return ErrDialInjected.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failDials = n
	d.mu.Unlock()
}

// CutNext arms the next n connections to be cut after the given number of
// bytes were read from each.
func (d *Dialer) CutNext(n int, after int64) {
	d.mu.Lock()
	d.CutAfter = after
	d.CutConnections = n
	d.cuts = 0
	d.mu.Unlock()
}

// Dials returns the number of dial attempts made, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// DialContext implements proxy.ContextDialer.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failDials > 0 {
		d.failDials--
		d.mu.Unlock()
		return nil, ErrDialInjected
	}
	cut := d.CutAfter > 0 && d.cuts < d.CutConnections
	cutAfter := d.CutAfter
	if cut {
		d.cuts++
	}
	d.mu.Unlock()

	forward := d.Forward
	if forward == nil {
		forward = proxy.Direct
	}
	conn, err := forward.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	fc := &faultyConn{Conn: conn}
	if d.BytesPerSecond > 0 {
		fc.limiter = rate.NewLimiter(rate.Limit(d.BytesPerSecond), d.BytesPerSecond)
	}
	if cut {
		fc.cutAfter = cutAfter
		logrus.WithFields(logrus.Fields{
			"function":  "Dialer.DialContext",
			"addr":      addr,
			"cut_after": cutAfter,
		}).Debug("Connection will be cut")
	}
	return fc, nil
}

type faultyConn struct {
	net.Conn
	limiter  *rate.Limiter
	cutAfter int64
	read     atomic.Int64
}

func (c *faultyConn) Read(p []byte) (int, error) {
	if c.limiter != nil && len(p) > c.limiter.Burst() {
		p = p[:c.limiter.Burst()]
	}
	if c.cutAfter > 0 {
		remaining := c.cutAfter - c.read.Load()
		if remaining <= 0 {
			c.Conn.Close()
			return 0, net.ErrClosed
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}

	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	if c.limiter != nil && n > 0 {
		if werr := c.limiter.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

package simnet

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// endpointQueue is the per-endpoint datagram buffer. Datagrams beyond it are
// dropped, as a full socket buffer would.
const endpointQueue = 1024

// DeliveryRecord is one datagram delivery attempt.
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	Timestamp time.Time
	Dropped   bool
}

// LossFunc decides whether a datagram from one endpoint to another is lost.
type LossFunc func(from, to net.Addr, data []byte) bool

// Bus is an in-memory multicast group.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
	nextPort  int
	loss      LossFunc
	log       []DeliveryRecord
}

// NewBus creates an empty broadcast domain.
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[*Endpoint]struct{}),
		nextPort:  40000,
	}
}

// SetLoss installs a loss function; nil delivers everything.
func (b *Bus) SetLoss(fn LossFunc) {
	b.mu.Lock()
	b.loss = fn
	b.mu.Unlock()
}

// Join attaches a new endpoint to the group.
func (b *Bus) Join() *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextPort++
	e := &Endpoint{
		bus:    b,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.nextPort},
		queue:  make(chan datagram, endpointQueue),
		closed: make(chan struct{}),
	}
	b.endpoints[e] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"function": "Bus.Join",
		"addr":     e.addr.String(),
		"members":  len(b.endpoints),
	}).Debug("Endpoint joined simulated group")
	return e
}

// Members returns the number of joined endpoints.
func (b *Bus) Members() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// DeliveryLog returns a copy of the delivery log.
func (b *Bus) DeliveryLog() []DeliveryRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log := make([]DeliveryRecord, len(b.log))
	copy(log, b.log)
	return log
}

// ClearDeliveryLog empties the delivery log.
func (b *Bus) ClearDeliveryLog() {
	b.mu.Lock()
	b.log = nil
	b.mu.Unlock()
}

// Stats summarizes the delivery log.
func (b *Bus) Stats() (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.log {
		if r.Dropped {
			dropped++
		} else {
			delivered++
		}
	}
	return delivered, dropped
}

func (b *Bus) broadcast(from *Endpoint, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for e := range b.endpoints {
		dropped := b.loss != nil && b.loss(from.addr, e.addr, data)
		if !dropped {
			dropped = !e.deliver(datagram{from: from.addr, data: append([]byte(nil), data...)})
		}
		b.log = append(b.log, DeliveryRecord{
			From:      from.addr.String(),
			To:        e.addr.String(),
			Size:      len(data),
			Timestamp: now,
			Dropped:   dropped,
		})
	}
}

func (b *Bus) leave(e *Endpoint) {
	b.mu.Lock()
	delete(b.endpoints, e)
	b.mu.Unlock()
}

type datagram struct {
	from net.Addr
	data []byte
}

// Endpoint is one member of a Bus. Its method set matches the presence
// package's Conn.
type Endpoint struct {
	bus       *Bus
	addr      *net.UDPAddr
	queue     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// Addr returns the endpoint's simulated source address.
func (e *Endpoint) Addr() net.Addr {
	return e.addr
}

// WriteGroup sends data to every member of the bus.
func (e *Endpoint) WriteGroup(data []byte) error {
	select {
	case <-e.closed:
		return net.ErrClosed
	default:
	}
	e.bus.broadcast(e, data)
	return nil
}

// ReadFrom blocks until a datagram arrives or the endpoint is closed.
func (e *Endpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-e.closed:
		return 0, nil, net.ErrClosed
	case d := <-e.queue:
		return copy(p, d.data), d.from, nil
	}
}

// Close leaves the bus. Pending reads return net.ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.bus.leave(e)
		close(e.closed)
	})
	return nil
}

func (e *Endpoint) deliver(d datagram) bool {
	select {
	case e.queue <- d:
		return true
	default:
		return false
	}
}

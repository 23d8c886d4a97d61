// Package simnet provides in-memory network stand-ins for deterministic
// multi-node tests of lanchat.
//
// # Broadcast Domain
//
// A Bus simulates one LAN multicast group. Every Endpoint joined to the bus
// receives a copy of each datagram written to the group, including its own,
// the same way multicast loopback behaves on a real host. Endpoints have
// distinct loopback addresses so receivers can tell senders apart:
//
//	bus := simnet.NewBus()
//	cfg := presence.DefaultConfig()
//	cfg.Open = func() (presence.Conn, error) { return bus.Join(), nil }
//
// A loss function can drop individual deliveries, and every delivery attempt
// is recorded in a log for verification.
//
// # Faulty Links
//
// Dialer wraps a real dialer and degrades the connections it makes: reads can
// be throttled to a byte rate, the connection can be cut after a number of
// bytes, and a number of dial attempts can be made to fail outright. It
// satisfies golang.org/x/net/proxy.ContextDialer, which is what lanchat uses
// to open chat and file sessions.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package simnet

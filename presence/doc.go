// Package presence announces this node on the LAN and tracks the peers it
// hears from.
//
// # Protocol
//
// Every PublishInterval the local presence record (identity and chat port) is
// encoded, split into fragments of at most FragmentPayload bytes that share a
// random batch id, and each fragment is sent as one datagram to the multicast
// group. Receivers bucket fragments by batch id, place them by sequence number
// and decode the record once every fragment has arrived. Batches that do not
// complete within FragmentTimeout of their first fragment are dropped.
//
// A peer that is not heard from for HeartbeatTimeout is removed. The reaper
// runs on the same interval, so a departed peer disappears within at most
// twice that time.
//
// # Usage
//
//	svc := presence.New(presence.DefaultConfig(), nil)
//	svc.OnPeerAdded(func(r peer.Record) { ... })
//	svc.OnPeerRemoved(func(r peer.Record) { ... })
//	if err := svc.Start(); err != nil { ... }
//	svc.SetSelf(identity)
//	svc.SetPort(chatPort)
//	defer svc.Stop()
//
// Nothing is published until both an identity with a name and a port are
// set. Tests substitute Config.Open with an in-memory endpoint.
package presence

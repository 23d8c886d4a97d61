// Package peer defines the identities that take part in a lanchat network.
//
// An Identity is the stable self-description of a node: a UUID, a display
// name and an avatar payload. Identities are values; they are copied whenever
// they cross a goroutine or component boundary.
//
// A Record is what the presence service learns about a remote node: its
// Identity plus the host and TCP port it accepts chat and file sessions on,
// and the time the record was last renewed.
//
// Example:
//
//	self := peer.NewIdentity("alice", "")
//	rec := peer.Record{Identity: self, Port: 40123}
//	fmt.Println(rec.Addr())
package peer

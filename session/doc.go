// Package session tracks the live TCP connections between lanchat nodes.
//
// A Session wraps one net.Conn with buffered line and byte I/O, a monotonic
// lifecycle (Connecting, Connected, Closed) and a cooperative busy flag. It
// comes in two kinds: chat sessions carry messages and remember the remote
// identity and listening port, file sessions stream file contents and record
// which side opened them.
//
// The Registry owns every registered session. It indexes chat sessions by peer
// id, hands out idle client-side file sessions for reuse, tears down all
// sessions of a peer when its chat session closes, and reaps sessions that are
// neither busy nor recently used:
//
//	reg := session.NewRegistry(clock.New(), 10*time.Minute)
//	reg.OnRemoved(func(s *session.Session) { ... })
//	reg.Start()
//	defer reg.Stop()
//
//	s := session.New(session.KindChat, conn, clock.New())
//	s.SetPeerID(id)
//	s.MarkConnected()
//	reg.Register(s)
package session

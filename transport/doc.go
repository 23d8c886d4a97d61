// Package transport carries chat messages between lanchat nodes.
//
// # Sessions And Handshake
//
// A Transport listens on a TCP port (chosen by the OS unless configured) and
// dials peers through a golang.org/x/net/proxy.ContextDialer. Every new
// connection opens with a short line-based handshake. A chat session sends
//
//	CHAT
//	<initiator peer id>
//	<base64 encoded identity>
//	<initiator listening port>
//
// and a file session sends only
//
//	FILE
//	<initiator peer id>
//
// The acceptor answers OK, or ERR followed by closing the connection when a
// field is missing or malformed. Accepted file sessions are handed to the
// FileSession hook; chat sessions get a send loop and a receive loop.
//
// # Ordering
//
// Each peer has one outbound queue. Messages are written in the order Send
// was called for that peer; if several chat sessions to the same peer exist,
// only one of them drains the queue at a time. Nothing is ordered across
// peers.
//
// # Delivery State
//
// Send records the message in the log as SENDING and notifies subscribers
// with EventNew, or EventUpdated when the id is already known. Once the line
// is written the state becomes OK; a write error marks it FAILED and tears the
// session down. When the last chat session to a peer goes away, every message
// still queued for it is marked FAILED. The transport never resends on its
// own; resending the same message is an idempotent retry.
package transport

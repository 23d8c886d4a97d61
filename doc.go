// Package lanchat implements a serverless chat for a local network.
//
// Every participant runs a [Node]. Nodes find each other through UDP
// multicast announcements, open line-oriented TCP sessions to chat, and pull
// shared files from each other over short-lived file sessions. There is no
// central server, account or persistent state: an identity is a random UUID
// plus a display name and avatar, chosen at start.
//
// # Getting Started
//
//	opts := lanchat.NewOptions()
//	opts.File.Dir = "/home/alice/Downloads/lanchat"
//
//	node, err := lanchat.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node.SetSelf("Alice", "cat.png")
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	node.OnPeerAdded(func(rec peer.Record) {
//	    node.Connect(rec)
//	})
//	node.SubscribeMessages(uuid.Nil, func(ev transport.Event) {
//	    fmt.Println(ev.Message)
//	})
//
// A node only announces itself once it has a name and a bound chat port, so
// SetSelf may be called before or after Start.
//
// # Components
//
//   - [presence]: multicast announcements, fragmentation and the peer table
//   - [transport]: chat listener, handshakes, outboxes and the message log
//   - [session]: framed line sessions and the session registry
//   - [file]: sharing, the download worker pool and transfer tasks
//   - [codec]: the binary announcement format
//   - [metrics]: Prometheus instrumentation
//
// # Messages
//
// SendMessage stamps the message with the local identity and records it in
// the per-peer history as SENDING. It turns OK once written to a session and
// FAILED when no chat session to the peer survives. SendFile shares a local
// file and sends a reference to it; receiving nodes download it on their own
// when [Options.AutoDownload] is set, or on request through DownloadFile.
//
// # Thread Safety
//
// Node is safe for concurrent use. Subscribers run on the goroutine that
// produced the event and must not call Start or Stop.
package lanchat

// Package file streams shared files between peers over dedicated file
// sessions, separate from the chat channel.
//
// # Overview
//
// The package provides three components:
//
//   - Manager: shares local files, runs the download worker pool, serves
//     remote requests and tracks one Task per (direction, peer, resource)
//   - Task: the progress record of one transfer, with IDLE, FAILED and
//     CANCELED sentinels next to a fractional progress
//   - Coalescer: a debounce buffer that batches task updates so
//     subscribers see at most one burst per window
//
// # Wire format
//
// A file session carries requests from the client side:
//
//	client: <resource id>\n
//	server: <byte length>\n   (or -1 when the resource is unknown)
//	server: <length raw bytes>
//
// Several requests may follow each other on the same session. The client
// keeps idle sessions registered so later downloads reuse them.
//
// # Sharing and downloading
//
//	res, err := manager.Share("/home/me/report.pdf")
//	// ... attach res to a message ...
//
//	// on the receiving node
//	err := manager.Download(peerID, res)
//	cancel := manager.SubscribeTasks(peerID, func(t file.Task) {
//	    fmt.Printf("%s: %s\n", t.Name, t.Status())
//	})
//	defer cancel()
//
// Downloads wait IDLE in an unbounded pending list and are executed by up to
// Config.MaxWorkers workers. A worker is only added when all existing workers
// are busy; workers never shrink. Stop cancels every download that is still
// pending or waiting out a retry backoff. Destination names are sanitized and disambiguated inside
// Config.Dir as name.ext, name(1).ext, name(2).ext and so on.
//
// # Failures
//
// Failing to reach the peer requeues the task with backoff. A peer without
// a live chat session, a cut stream or a checksum mismatch ends the task
// FAILED or CANCELED; such tasks are resubmitted by
// Manager.OnChatSessionConnected when the peer comes back. A resource the
// peer no longer has (-1) fails permanently and is not retried.
package file

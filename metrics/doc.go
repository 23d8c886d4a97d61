// Package metrics holds the Prometheus collectors of one lanchat node.
//
// Every Node owns its own registry so several nodes can share a process:
//
//	m := metrics.New()
//	m.MessageSent(true)
//	m.SetPresencePeers(4)
//	http.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
//
// The collectors live under the "lanchat" namespace:
//
//   - messages_sent_total{result}: chat messages written, by outcome
//   - messages_received_total: chat messages read from peers
//   - presence_fragments_dropped_total: presence fragments discarded
//   - file_bytes_total{direction}: file bytes streamed
//   - file_tasks_total{result}: finished file tasks, by outcome
//   - sessions_active{kind}: registered chat and file sessions
//   - presence_peers: peers currently in the presence table
//   - download_workers: download worker goroutines started
//
// All recording methods are safe on a nil *Metrics, which lets components
// run without instrumentation.
package metrics

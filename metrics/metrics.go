package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lanchat"

// Result label values.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// Direction label values.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Metrics groups the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived prometheus.Counter
	fragmentsDropped prometheus.Counter
	fileBytes        *prometheus.CounterVec
	fileTasks        *prometheus.CounterVec
	sessionsActive   *prometheus.GaugeVec
	presencePeers    prometheus.Gauge
	downloadWorkers  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Chat messages written to a peer, by outcome.",
		}, []string{"result"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Chat messages received from peers.",
		}),
		fragmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_fragments_dropped_total",
			Help:      "Presence fragments discarded before their batch completed.",
		}),
		fileBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_total",
			Help:      "File bytes streamed, by direction.",
		}, []string{"direction"}),
		fileTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_tasks_total",
			Help:      "Finished file tasks, by outcome.",
		}, []string{"result"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Registered sessions, by kind.",
		}, []string{"kind"}),
		presencePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_peers",
			Help:      "Peers currently in the presence table.",
		}),
		downloadWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_workers",
			Help:      "Download worker goroutines started.",
		}),
	}
	m.registry.MustRegister(
		m.messagesSent,
		m.messagesReceived,
		m.fragmentsDropped,
		m.fileBytes,
		m.fileTasks,
		m.sessionsActive,
		m.presencePeers,
		m.downloadWorkers,
	)
	return m
}

// Registry returns the registry holding the node's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageSent records the outcome of one chat message write.
func (m *Metrics) MessageSent(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultFailed
	}
	m.messagesSent.WithLabelValues(result).Inc()
}

// MessageReceived records one received chat message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// FragmentsDropped records presence fragments thrown away.
func (m *Metrics) FragmentsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fragmentsDropped.Add(float64(n))
}

// FileBytes records streamed file bytes.
func (m *Metrics) FileBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fileBytes.WithLabelValues(direction).Add(float64(n))
}

// FileTaskFinished records a task reaching a terminal state.
func (m *Metrics) FileTaskFinished(result string) {
	if m == nil {
		return
	}
	m.fileTasks.WithLabelValues(result).Inc()
}

// SessionOpened and SessionClosed track registered sessions per kind.
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Dec()
}

// SetPresencePeers sets the presence table size.
func (m *Metrics) SetPresencePeers(n int) {
	if m == nil {
		return
	}
	m.presencePeers.Set(float64(n))
}

// SetDownloadWorkers sets the number of download workers.
func (m *Metrics) SetDownloadWorkers(n int) {
	if m == nil {
		return
	}
	m.downloadWorkers.Set(float64(n))
}

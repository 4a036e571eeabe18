package metrics

import "github.com/prometheus/client_golang/prometheus"

// StreamMetrics holds Prometheus metrics for the live connection registry.
type StreamMetrics struct {
	ActiveStreams   *prometheus.GaugeVec
	EventsWritten   *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec
	HeartbeatsSent  prometheus.Counter
	StreamsReplaced prometheus.Counter
	StreamsRejected *prometheus.CounterVec
}

// NewStreamMetrics creates and registers stream metrics on the given registry.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of live streams registered on this instance, by transport.",
		}, []string{"transport"}),
		EventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_written_total",
			Help:      "Total number of events written to live streams, by event name.",
		}, []string{"event"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "write_failures_total",
			Help:      "Total number of failed stream writes that led to pruning, by event name.",
		}, []string{"event"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "heartbeat_passes_total",
			Help:      "Total number of heartbeat passes over the registry.",
		}),
		StreamsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "replaced_total",
			Help:      "Total number of streams completed because the same identity registered again.",
		}),
		StreamsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "rejected_total",
			Help:      "Total number of stream opens rejected by connection limits, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveStreams, m.EventsWritten, m.WriteFailures, m.HeartbeatsSent, m.StreamsReplaced, m.StreamsRejected)
	return m
}

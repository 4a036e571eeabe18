package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics holds Prometheus metrics for broker publish and delivery.
type FanoutMetrics struct {
	Published       *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	Received        prometheus.Counter
	DecodeFailures  prometheus.Counter
}

// NewFanoutMetrics creates and registers fan-out metrics on the given registry.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Total number of envelopes handed to the broker, by result.",
		}, []string{"result"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_duration_seconds",
			Help:      "Duration of broker publish calls in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "received_total",
			Help:      "Total number of envelopes received from the broker.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "decode_failures_total",
			Help:      "Total number of received envelopes that could not be decoded.",
		}),
	}

	reg.MustRegister(m.Published, m.PublishDuration, m.Received, m.DecodeFailures)
	return m
}

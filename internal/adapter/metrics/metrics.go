// Package metrics defines the Prometheus collectors of a fanout process. Every collector struct is
// registered on a per-process registry and is optional at its call sites.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/fanout/internal/platform/version"
)

const namespace = "fanout"

// NewRegistry creates the process registry: Go runtime and process collectors plus a constant
// build_info series labelled with the instance id, so dashboards can join per-instance series.
func NewRegistry(instanceID string) *prometheus.Registry {
	info := version.Get()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build and instance information of this process. Always 1.",
			ConstLabels: prometheus.Labels{
				"version":    info.Version,
				"commit":     info.Commit,
				"go_version": info.GoVersion,
				"instance":   instanceID,
			},
		}, func() float64 { return 1 }),
	)
	return reg
}

// Handler serves the registry. Collection errors are logged and the remaining series still served.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		ErrorHandling:     promhttp.ContinueOnError,
		ErrorLog:          slogErrorLog{},
		EnableOpenMetrics: true,
	})
}

type slogErrorLog struct{}

func (slogErrorLog) Println(v ...any) {
	slog.Error("Metrics collection failed", "error", v)
}

package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/jobvault/pkg/metrics"
)

// Registry is the process metrics registry. Nil until InitTelemetry runs.
var Registry *prometheus.Registry

var telemetryOnce sync.Once

// InitTelemetry creates Registry with the runtime collectors and the
// pipeline metrics. Safe to call more than once.
func InitTelemetry() *prometheus.Registry {
	telemetryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.MustRegister(reg)
		Registry = reg
	})
	return Registry
}

// MetricsHandler serves Registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	reg := InitTelemetry()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

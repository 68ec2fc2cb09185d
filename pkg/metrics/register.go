// Package metrics holds the pipeline's Prometheus collectors.
//
// Collectors are created at package init and registered once with
// MustRegister when a process exposes /metrics. Recording into an
// unregistered collector is harmless.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register is called by init() in each metrics file to enqueue collectors.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all collectors with reg exactly once.
// A nil reg means the default registerer.
func MustRegister(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if len(collectors) > 0 {
			reg.MustRegister(collectors...)
		}
	})
}

// Collectors returns every collector, for tests and custom registries.
func Collectors() []prometheus.Collector {
	return append([]prometheus.Collector(nil), collectors...)
}

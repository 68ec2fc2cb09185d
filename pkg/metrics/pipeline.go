package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(transitionsTotal, retrievalsTotal, publishesTotal, archivedBytes) }

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_transitions_total",
			Help: "Job record transitions by stage and update result.",
		},
		[]string{"stage", "result"}, // result: updated, condition_failed, not_found
	)

	retrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_retrievals_total",
			Help: "Cold-tier retrieval requests by tier and result.",
		},
		[]string{"tier", "result"},
	)

	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_publishes_total",
			Help: "Notifications published by kind and result.",
		},
		[]string{"kind", "result"},
	)

	archivedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobvault_archived_bytes_total",
			Help: "Result bytes moved into the cold tier.",
		},
	)
)

// IncTransition counts a conditional update attempted by stage.
func IncTransition(stage, result string) {
	transitionsTotal.WithLabelValues(stage, result).Inc()
}

// IncRetrieval counts a retrieval request.
func IncRetrieval(tier, result string) {
	retrievalsTotal.WithLabelValues(tier, result).Inc()
}

// IncPublish counts a notification publish.
func IncPublish(kind, result string) {
	publishesTotal.WithLabelValues(kind, result).Inc()
}

// AddArchivedBytes counts bytes uploaded to the cold tier.
func AddArchivedBytes(n int64) {
	if n > 0 {
		archivedBytes.Add(float64(n))
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(messagesTotal, handleSeconds, receiveErrors) }

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_messages_total",
			Help: "Messages processed per consumer and disposition.",
		},
		[]string{"consumer", "disposition"}, // processed, already_handled, missing, retry, dead_lettered
	)

	handleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobvault_handle_seconds",
			Help:    "Message handler latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)

	receiveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_receive_errors_total",
			Help: "Failed queue receive calls per consumer.",
		},
		[]string{"consumer"},
	)
)

// IncMessage counts one message outcome.
func IncMessage(consumer, disposition string) {
	messagesTotal.WithLabelValues(consumer, disposition).Inc()
}

// ObserveHandle records handler latency.
func ObserveHandle(consumer string, d time.Duration) {
	handleSeconds.WithLabelValues(consumer).Observe(d.Seconds())
}

// IncReceiveError counts a failed receive.
func IncReceiveError(consumer string) {
	receiveErrors.WithLabelValues(consumer).Inc()
}

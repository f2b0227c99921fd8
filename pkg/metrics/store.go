package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics counts documents written by the document store adapter.
type StoreMetrics struct {
	written *prometheus.CounterVec
	failed  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewStoreMetrics registers the adapter metrics. A nil registerer yields a
// no-op recorder.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	if reg == nil {
		return &StoreMetrics{}
	}
	written := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_written_total",
		Help:      "Documents committed per collection and operation.",
	}, []string{"collection", "op"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_failed_total",
		Help:      "Documents rejected by the server per collection and operation.",
	}, []string{"collection", "op"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "write_duration_seconds",
		Help:      "Latency of bulk writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"collection", "op"})
	reg.MustRegister(written, failed, latency)
	return &StoreMetrics{written: written, failed: failed, latency: latency}
}

// ObserveWrite records one bulk write.
func (m *StoreMetrics) ObserveWrite(collection, op string, succeeded, failed int, took time.Duration) {
	if m == nil || m.written == nil {
		return
	}
	collection = normalizeLabel(collection)
	m.written.WithLabelValues(collection, op).Add(float64(succeeded))
	m.failed.WithLabelValues(collection, op).Add(float64(failed))
	m.latency.WithLabelValues(collection, op).Observe(took.Seconds())
}

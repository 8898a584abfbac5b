package sem

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFullCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "throttle_full_count",
		Help: "New leases which would increase the count beyond this limit are queued.",
	}, []string{"semaphore"})
	metricCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "throttle_count",
		Help: "Accumulated weight of all active leases.",
	}, []string{"semaphore"})
	metricPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "throttle_pending",
		Help: "Accumulated weight of all queued acquire requests.",
	}, []string{"semaphore"})
)

// publishMetricsLocked pushes the current counters for the named semaphores
// to the default prometheus registry. Must be called with e.mu held.
func (e *Engine) publishMetricsLocked(names ...string) {
	for _, name := range names {
		metricCount.WithLabelValues(name).Set(float64(e.held[name]))
		metricPending.WithLabelValues(name).Set(float64(e.pending[name]))
	}
}

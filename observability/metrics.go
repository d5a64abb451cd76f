package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics records ledger operation activity: request counts segmented
// by outcome, rejection reasons and handling latency.
type VaultMetrics struct {
	requests   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// Metrics returns the lazily-initialised metrics registry used to record
// vault engine activity.
func Metrics() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "powerperp",
				Subsystem: "vault",
				Name:      "requests_total",
				Help:      "Total vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "powerperp",
				Subsystem: "vault",
				Name:      "rejections_total",
				Help:      "Rejected vault operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "powerperp",
				Subsystem: "vault",
				Name:      "operation_seconds",
				Help:      "Vault operation handling latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			vaultRegistry.requests,
			vaultRegistry.rejections,
			vaultRegistry.latency,
		)
	})
	return vaultRegistry
}

// Observe records one operation attempt. The reason label for rejections is
// derived from the sentinel chain so cardinality stays bounded.
func (m *VaultMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.rejections.WithLabelValues(operation, reasonLabel(err)).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

var reasonTable = []struct {
	match  func(error) bool
	reason string
}{}

// RegisterReason maps a sentinel error onto a stable metrics label. Modules
// register their taxonomy at init time.
func RegisterReason(sentinel error, reason string) {
	reasonTable = append(reasonTable, struct {
		match  func(error) bool
		reason string
	}{
		match:  func(err error) bool { return errors.Is(err, sentinel) },
		reason: reason,
	})
}

func reasonLabel(err error) string {
	for _, entry := range reasonTable {
		if entry.match(err) {
			return entry.reason
		}
	}
	return "other"
}

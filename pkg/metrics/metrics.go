// Package metrics exposes the ledger's Prometheus instrumentation: commit
// and rejection counters plus an execution latency histogram, registered on
// a private registry so tests can create collectors freely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates ledger engine outcomes.
type Collector struct {
	registry              *prometheus.Registry
	transactionsCommitted prometheus.Counter
	transactionsRejected  *prometheus.CounterVec
	executeDuration       prometheus.Histogram
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	return &Collector{
		registry: registry,
		transactionsCommitted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ledger_transactions_committed_total",
			Help: "Total number of committed transactions",
		}),
		transactionsRejected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transactions_rejected_total",
			Help: "Total number of rejected transactions by reason code",
		}, []string{"code"}),
		executeDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_execute_duration_seconds",
			Help:    "Time taken to validate and commit a transaction",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveCommit records one committed transaction and its latency.
func (c *Collector) ObserveCommit(d time.Duration) {
	c.transactionsCommitted.Inc()
	c.executeDuration.Observe(d.Seconds())
}

// ObserveRejection records one rejection under its stable reason code.
func (c *Collector) ObserveRejection(code string) {
	c.transactionsRejected.WithLabelValues(code).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

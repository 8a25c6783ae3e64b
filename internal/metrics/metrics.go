// Package metrics owns the Prometheus collectors. Each server builds its own
// registry so tests never share global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stokraf"

type Metrics struct {
	Registry *prometheus.Registry

	StockOps           *prometheus.CounterVec
	AuditFlushes       *prometheus.CounterVec
	AuditPending       prometheus.Gauge
	Conflicts          prometheus.Counter
	FeedNotifications  *prometheus.CounterVec
	PropagationResults *prometheus.CounterVec
	DaySaves           *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		StockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_operations_total",
			Help:      "Stock ledger operations by operation and result.",
		}, []string{"operation", "result"}),
		AuditFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_flush_chunks_total",
			Help:      "Audit chunks written, by result (ok, retry, requeued).",
		}, []string{"result"}),
		AuditPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_pending_events",
			Help:      "Audit events waiting to be flushed.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_conflicts_total",
			Help:      "Remote edits that overwrote a row another editor had open.",
		}),
		FeedNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_notifications_total",
			Help:      "Change notifications handled by coordinators, by outcome.",
		}, []string{"outcome"}),
		PropagationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shelf_propagation_total",
			Help:      "Closing stock propagations to product shelf stock, by result.",
		}, []string{"result"}),
		DaySaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_operation_saves_total",
			Help:      "SaveDay calls by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StockOps,
		m.AuditFlushes,
		m.AuditPending,
		m.Conflicts,
		m.FeedNotifications,
		m.PropagationResults,
		m.DaySaves,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Result labels a call outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

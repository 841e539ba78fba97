// Package metrics provides Prometheus metrics for leetbuddy.
//
// Features:
//   - Counters for metadata fetches, runtime messages, ledger writes and migrations
//   - Histogram for metadata fetch latency
//   - Gauge for connected tabs
//   - Optional HTTP endpoint for scraping
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	FetchOK          = "ok"
	FetchFallback    = "fallback"
	FetchPaidOnly    = "paid_only"
	FetchCancelled   = "cancelled"
	FetchBreakerOpen = "breaker_open"
)

// Ledger append outcomes.
const (
	AppendWritten   = "written"
	AppendDuplicate = "duplicate"
	AppendFailed    = "failed"
)

// Metrics holds all leetbuddy metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal     *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	MessagesTotal    *prometheus.CounterVec
	LedgerAppends    *prometheus.CounterVec
	LedgerMigrations prometheus.Counter
	SaveFlowsOpened  *prometheus.CounterVec
	ConnectedTabs    prometheus.Gauge
}

// New creates and registers all metrics under namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_fetches_total",
				Help:      "Total number of problem metadata lookups by outcome",
			},
			[]string{"outcome"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "metadata_fetch_duration_seconds",
				Help:      "Duration of remote metadata fetches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of runtime messages by type and delivery status",
			},
			[]string{"type", "status"},
		),
		LedgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_appends_total",
				Help:      "Total number of submission ledger appends by outcome",
			},
			[]string{"outcome"},
		),
		LedgerMigrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_migrations_total",
				Help:      "Total number of legacy ledger entries migrated",
			},
		),
		SaveFlowsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "save_flows_opened_total",
				Help:      "Total number of save confirmations opened by source",
			},
			[]string{"source"},
		),
		ConnectedTabs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_tabs",
				Help:      "Number of tabs currently attached to the daemon",
			},
		),
	}

	registry.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.MessagesTotal,
		m.LedgerAppends,
		m.LedgerMigrations,
		m.SaveFlowsOpened,
		m.ConnectedTabs,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFetch records one metadata lookup. d is ignored for outcomes that
// never reached the network.
func (m *Metrics) RecordFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	if outcome != FetchBreakerOpen && d > 0 {
		m.FetchDuration.Observe(d.Seconds())
	}
}

// RecordMessage records a runtime message send attempt.
func (m *Metrics) RecordMessage(msgType string, delivered bool) {
	if m == nil {
		return
	}
	status := "delivered"
	if !delivered {
		status = "dropped"
	}
	m.MessagesTotal.WithLabelValues(msgType, status).Inc()
}

// RecordAppend records a ledger append.
func (m *Metrics) RecordAppend(outcome string) {
	if m == nil {
		return
	}
	m.LedgerAppends.WithLabelValues(outcome).Inc()
}

// RecordMigrations records n legacy entries converted to the list layout.
func (m *Metrics) RecordMigrations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LedgerMigrations.Add(float64(n))
}

// RecordSaveFlow records a save confirmation being opened.
func (m *Metrics) RecordSaveFlow(source string) {
	if m == nil {
		return
	}
	m.SaveFlowsOpened.WithLabelValues(source).Inc()
}

// TabAttached increments the connected tab gauge.
func (m *Metrics) TabAttached() {
	if m == nil {
		return
	}
	m.ConnectedTabs.Inc()
}

// TabDetached decrements the connected tab gauge.
func (m *Metrics) TabDetached() {
	if m == nil {
		return
	}
	m.ConnectedTabs.Dec()
}

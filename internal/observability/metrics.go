package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// fetch, load, and query paths.
type Metrics struct {
	// Cache and upstream metrics.
	CacheLookups     *prometheus.CounterVec   // labels: source, result={hit,miss}
	CacheEntries     *prometheus.GaugeVec     // labels: source
	UpstreamRequests *prometheus.CounterVec   // labels: source, outcome={success,error,timeout,auth}
	UpstreamRetries  *prometheus.CounterVec   // labels: source
	UpstreamDuration *prometheus.HistogramVec // labels: source

	// Relational store metrics.
	TableReloads *prometheus.CounterVec // labels: table, outcome={success,error}
	TableRows    *prometheus.GaugeVec   // labels: table
	Lookups      *prometheus.CounterVec // labels: metric, outcome={found,not_found,error}

	// Refresh cycle metrics.
	RefreshRunning   prometheus.Gauge
	RefreshDuration  prometheus.Histogram
	RefreshErrors    prometheus.Counter
	RecordsPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CacheLookups,
		m.CacheEntries,
		m.UpstreamRequests,
		m.UpstreamRetries,
		m.UpstreamDuration,
		m.TableReloads,
		m.TableRows,
		m.Lookups,
		m.RefreshRunning,
		m.RefreshDuration,
		m.RefreshErrors,
		m.RecordsPublished,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by source and result.",
		}, []string{"source", "result"}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covid_etl",
			Name:      "cache_entries",
			Help:      "Entries held in each source's response cache.",
		}, []string{"source"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "upstream_requests_total",
			Help:      "Upstream request attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "upstream_retries_total",
			Help:      "Upstream retries after transient failures.",
		}, []string{"source"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "covid_etl",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream request duration in seconds, excluding the throttle delay.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		TableReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "table_reloads_total",
			Help:      "Full-refresh table reloads by table and outcome.",
		}, []string{"table", "outcome"}),
		TableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covid_etl",
			Name:      "table_rows",
			Help:      "Rows loaded by the last successful reload of each table.",
		}, []string{"table"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "lookups_total",
			Help:      "Metric lookups by metric and outcome.",
		}, []string{"metric", "outcome"}),
		RefreshRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "covid_etl",
			Name:      "refresh_running",
			Help:      "1 while a refresh cycle is in progress.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "covid_etl",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a complete refresh cycle.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		RefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "refresh_errors_total",
			Help:      "Refresh cycles that failed.",
		}),
		RecordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covid_etl",
			Name:      "records_published_total",
			Help:      "Daily records published to the series topic.",
		}),
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flightwx"

// Metrics holds the Prometheus counters, histograms, and gauges for the batch jobs.
type Metrics struct {
	RunDuration *prometheus.HistogramVec // labels: job={refresh,sync,correlate,seed,purge}
	RunFailures *prometheus.CounterVec   // labels: job

	// Refresh metrics.
	CellsSelected    prometheus.Counter
	CellsSkipped     *prometheus.CounterVec   // labels: reason={invalid_cell,breaker_open,budget}
	ProviderFetches  *prometheus.CounterVec   // labels: outcome={success,error,unauthorized}
	ProviderDuration prometheus.Histogram
	ProviderRetries  prometheus.Counter
	BudgetRemaining  prometheus.Gauge

	// Store metrics.
	RawAppended    prometheus.Counter
	CuratedUpdated prometheus.Counter
	HistoryApplied prometheus.Counter

	// Join metrics.
	Reports              *prometheus.CounterVec // labels: outcome={matched,no_weather,out_of_range,invalid}
	CorrelationsUpserted prometheus.Counter
	SinkWrites           *prometheus.CounterVec // labels: sink={kafka,parquet}, outcome={success,error}
}

func newMetrics() *Metrics {
	return &Metrics{
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of one batch job run.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		RunFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Batch job runs that ended with a fatal error.",
		}, []string{"job"}),
		CellsSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_selected_total",
			Help:      "Cells chosen by the staleness selector.",
		}),
		CellsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_skipped_total",
			Help:      "Selected cells not fetched, by reason.",
		}, []string{"reason"}),
		ProviderFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "Weather provider fetches by outcome.",
		}, []string{"outcome"}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "OpenWeather request duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
		}),
		ProviderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retried provider requests (429, 5xx, network).",
		}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_remaining",
			Help:      "Provider calls left in today's budget.",
		}),
		RawAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_observations_appended_total",
			Help:      "Raw provider responses written to the document store.",
		}),
		CuratedUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "curated_cells_updated_total",
			Help:      "Curated rows inserted or moved forward.",
		}),
		HistoryApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_rows_appended_total",
			Help:      "Rows appended to the observation history table.",
		}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_reports_total",
			Help:      "Position reports seen by the join, by outcome.",
		}, []string{"outcome"}),
		CorrelationsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_upserted_total",
			Help:      "Correlation records inserted or changed in the relational store.",
		}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Fan-out sink writes by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunDuration,
		m.RunFailures,
		m.CellsSelected,
		m.CellsSkipped,
		m.ProviderFetches,
		m.ProviderDuration,
		m.ProviderRetries,
		m.BudgetRemaining,
		m.RawAppended,
		m.CuratedUpdated,
		m.HistoryApplied,
		m.Reports,
		m.CorrelationsUpserted,
		m.SinkWrites,
	}
}

// NewMetrics creates and registers all job metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

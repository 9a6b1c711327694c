// Package metrics defines Prometheus metrics for harvest.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cycles_total",
			Help: "Refresh cycles by category and final state",
		},
		[]string{"category", "state"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_attempts_total",
			Help: "Fetch attempts by category and result",
		},
		[]string{"category", "result"},
	)

	RowsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_rows_written_total",
			Help: "Rows persisted by category and write mode",
		},
		[]string{"category", "mode"},
	)

	BelowWatermarkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_below_watermark_rows_total",
			Help: "Incoming rows whose index was below the stored watermark",
		},
		[]string{"category"},
	)

	CoercionNullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_coercion_nulls_total",
			Help: "Cells nulled because they could not be converted to the declared kind",
		},
		[]string{"category"},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_cycles_in_flight",
			Help: "Refresh cycles currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal, CycleDuration, FetchAttemptsTotal,
		RowsWrittenTotal, BelowWatermarkTotal, CoercionNullsTotal,
		InFlight,
	)
}

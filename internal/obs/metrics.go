package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and gauges the data service and runner
// service expose at /metrics, in the style of the teacher's
// package-level promauto registrations.
var (
	BarsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_bars_generated_total",
			Help: "Total confirmed bars produced by the collector, by symbol and timeframe.",
		},
		[]string{"symbol", "timeframe"},
	)

	GapFillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_gap_fills_total",
			Help: "Total synthetic gap-fill bars inserted, by symbol and timeframe.",
		},
		[]string{"symbol", "timeframe"},
	)

	FileUpdaterRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_file_updater_runs_total",
			Help: "Total file updater passes, by symbol and the rule that fired (startup|a|b|c).",
		},
		[]string{"symbol", "rule"},
	)

	ProviderReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_provider_reconnects_total",
			Help: "Total exchange stream reconnect attempts, by provider and exchange.",
		},
		[]string{"provider", "exchange"},
	)

	BusClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "barrunner_bus_clients",
			Help: "Current number of connected bus/runner clients on the data service.",
		},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "barrunner_ui_ws_clients",
			Help: "Current number of connected UI websocket clients.",
		},
	)

	RunnerSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_runner_steps_total",
			Help: "Total strategy runtime steps executed, by symbol.",
		},
		[]string{"symbol"},
	)

	BarCacheQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "barrunner_barcache_query_duration_milliseconds",
			Help:    "Bar cache query duration in milliseconds, by operation.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"operation"},
	)
)

// Package metrics exposes the engine's Prometheus instrumentation:
//   - bot_orders_total{status}            – submission attempts by result
//   - bot_outcomes_total{channel,status}  – outcomes by detection channel
//   - bot_sequences_total{state}          – finished sequences by terminal state
//   - bot_scheduler_skips_total{reason}   – triggers skipped, by reason
//   - bot_active_sequences                – currently running sequences (gauge)
//   - bot_fire_deviation_ms               – last trigger's scheduled-vs-actual gap
//
// Registered in init() and served at /metrics when METRICS_ADDR is set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Order submission attempts by result",
		},
		[]string{"status"},
	)

	Outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_outcomes_total",
			Help: "Trade outcomes by detection channel and status",
		},
		[]string{"channel", "status"},
	)

	Sequences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_sequences_total",
			Help: "Finished sequences by terminal state",
		},
		[]string{"state"},
	)

	SchedulerSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_scheduler_skips_total",
			Help: "Scheduled triggers skipped, by reason",
		},
		[]string{"reason"},
	)

	ActiveSequences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_active_sequences",
			Help: "Sequences currently running",
		},
	)

	FireDeviation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_fire_deviation_ms",
			Help: "Signed deviation between scheduled and actual fire time, last trigger",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		Outcomes,
		Sequences,
		SchedulerSkips,
		ActiveSequences,
		FireDeviation,
	)
}

// Serve starts the /metrics endpoint on addr. Call in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("📈 Metrics endpoint up")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}

// Package metrics provides Prometheus instrumentation for the chess
// server: engine pool occupancy, matchmaking queue depth, active games,
// and connection counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chessd_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EngineInstances tracks the current number of live engine subprocesses.
	EngineInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chessd_engine_instances",
		Help: "Current number of live engine subprocess instances",
	})

	// EngineQueueDepth tracks the summed queue depth across all engine instances.
	EngineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chessd_engine_queue_depth",
		Help: "Summed task queue depth across all engine instances",
	})

	// EngineTasksTotal counts engine submissions, labeled by outcome:
	// "ok", "error", "timeout", "queue_full", or "no_instances".
	EngineTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chessd_engine_tasks_total",
		Help: "Total engine pool submissions by outcome",
	}, []string{"outcome"})

	// MatchmakingQueueSize tracks the current number of candidates waiting to
	// be paired.
	MatchmakingQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chessd_matchmaking_queue_size",
		Help: "Current number of candidates waiting in the matchmaking queue",
	})

	// MatchDuration records the time from match request to match found.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chessd_match_duration_seconds",
		Help:    "Time from matchmaking submission to a paired game",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 20, 30},
	})

	// ActiveGames tracks the current number of ongoing games.
	ActiveGames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chessd_active_games",
		Help: "Current number of ongoing games",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EngineInstances,
		EngineQueueDepth,
		EngineTasksTotal,
		MatchmakingQueueSize,
		MatchDuration,
		ActiveGames,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

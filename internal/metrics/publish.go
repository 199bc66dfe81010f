// Package metrics defines the Prometheus instruments exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_starts_total",
		Help: "Total publication start attempts",
	}, []string{"result"}) // "success", "conflict", "fail"

	PublishStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_stops_total",
		Help: "Total publication terminations",
	}, []string{"reason"}) // "stopped", "error", "shutdown"

	PublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_errors_total",
		Help: "Total publication failures by error code",
	}, []string{"code"})

	RelayRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_process_restarts_total",
		Help: "Total automatic relay subprocess restarts",
	})

	ActivePublications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_publications",
		Help: "Number of currently publishing cameras",
	})

	PublishFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_publish_fps",
		Help: "Latest frame rate per publishing camera",
	}, []string{"camera_id"})

	PublishBitrateKbps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_publish_bitrate_kbps",
		Help: "Latest bitrate per publishing camera",
	}, []string{"camera_id"})

	PublishViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_publish_viewers",
		Help: "Current viewer count per publishing camera",
	}, []string{"camera_id"})

	MediaMTXCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_mediamtx_calls_total",
		Help: "Total MediaMTX control API calls",
	}, []string{"op", "result"}) // op: health, paths, kick, wait; result: success, fail
)

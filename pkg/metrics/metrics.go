// Package metrics defines the process metrics served on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionState mirrors the link state machine.
	// 0=disconnected 1=connecting 2=handshaking 3=connected 4=error
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecubus_connection_state",
			Help: "Current connection state (0=disconnected 1=connecting 2=handshaking 3=connected 4=error).",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecubus_heartbeat_failures_total",
			Help: "Total number of missed heartbeats.",
		},
	)

	Reconnects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecubus_reconnects",
			Help: "Number of successful reconnects since startup.",
		},
	)

	DiagPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecubus_diag_polls_total",
			Help: "Total number of completed diagnostic polls.",
		},
	)

	DiagPollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecubus_diag_poll_failures_total",
			Help: "Total number of diagnostic polls that failed and kept the previous snapshot.",
		},
	)

	DiagLastPoll = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecubus_diag_last_poll_timestamp_seconds",
			Help: "Unix timestamp of the last successful diagnostic poll.",
		},
	)

	// FlashSessions counts finished flash sessions by terminal state:
	// committed, rolled_back, failed or rejected.
	FlashSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecubus_flash_sessions_total",
			Help: "Total number of finished flash sessions by result.",
		},
		[]string{"result"},
	)

	FlashChunkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecubus_flash_chunk_retries_total",
			Help: "Total number of retried flash chunk writes.",
		},
	)

	FlashRollbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecubus_flash_rollback_failures_total",
			Help: "Total number of failed rollbacks, each leaving the ECU in an unknown state.",
		},
	)

	FlashActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecubus_flash_active",
			Help: "Whether a flash session currently holds the bus (0 or 1).",
		},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecubus_gateway_ws_clients",
			Help: "Number of connected websocket clients.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecubus_gateway_requests_total",
			Help: "Total number of HTTP requests handled by the gateway.",
		},
		[]string{"path"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecubus_gateway_request_duration_seconds",
			Help:    "Latency of gateway HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		HeartbeatFailures,
		Reconnects,
		DiagPolls,
		DiagPollFailures,
		DiagLastPoll,
		FlashSessions,
		FlashChunkRetries,
		FlashRollbackFailures,
		FlashActive,
		WSClients,
		RequestsTotal,
		RequestDuration,
	)
}

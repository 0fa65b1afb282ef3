// Package metrics holds the process-wide Prometheus instruments. Both
// binaries mount promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently connected client sessions.",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sessions_rejected_total",
		Help: "Client connections rejected before upgrade, by reason.",
	}, []string{"reason"})

	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_relayed_total",
		Help: "Frames relayed through the orchestrator, by direction.",
	}, []string{"direction"})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_reconnects_total",
		Help: "Reconnects triggered by an unexpected upstream close.",
	})

	TokensAccounted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_accounted_total",
		Help: "Tokens extracted from upstream completion events.",
	}, []string{"direction"})

	IPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ipc_requests_total",
		Help: "Request/response IPC calls, by type and outcome.",
	}, []string{"type", "outcome"})
)

// Package metrics holds relay prometheus collectors, registered in default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mavrelay"

// Inbound frame outcomes.
const (
	ResultRouted    = "routed"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
	ResultUnrouted  = "unrouted"
	ResultSent      = "sent"
	ResultError     = "error"
	ResultSuccess   = "success"
	ResultFailed    = "failed"
)

var (
	// FramesInbound counts frames seen by router, result: routed/duplicate/malformed/unrouted
	FramesInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_inbound_total",
			Help:      "Frames received on all links by routing result.",
		},
		[]string{"result"},
	)

	// FramesOutbound counts per link writes, result: sent/error
	FramesOutbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_outbound_total",
			Help:      "Outbound buffers written to links by result.",
		},
		[]string{"result"},
	)

	// LinkConnected 1 = link open, 0 = disconnected and waiting for reconnection sweep
	LinkConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_connected",
			Help:      "Link endpoint connectivity (1=connected, 0=disconnected).",
		},
		[]string{"endpoint"},
	)

	LinkConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connect_attempts_total",
			Help:      "Link open attempts by result.",
		},
		[]string{"result"},
	)

	// VehicleConnected 1 = heartbeats arrive within timeout
	VehicleConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vehicle_connected",
			Help:      "Vehicle heartbeat liveness (1=connected, 0=lost).",
		},
		[]string{"vehicle"},
	)

	ParamOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "param_operations_total",
			Help:      "Parameter download and set operations by result.",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(FramesInbound)
	prometheus.MustRegister(FramesOutbound)
	prometheus.MustRegister(LinkConnected)
	prometheus.MustRegister(LinkConnectAttempts)
	prometheus.MustRegister(VehicleConnected)
	prometheus.MustRegister(ParamOperations)
}

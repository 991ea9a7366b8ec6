package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DiscoveriesTotal counts sightings of remote peers
var DiscoveriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "lanmesh_discoveries_total",
		Help: "Total number of remote peer sightings",
	},
)

// DiscoveryErrorsTotal counts malformed or undeliverable announcements and socket errors
var DiscoveryErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "lanmesh_discovery_errors_total",
		Help: "Total number of discovery errors",
	},
)

// DialsTotal counts dial attempts by result
var DialsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lanmesh_dials_total",
		Help: "Total number of dial attempts by result",
	},
	[]string{"result"},
)

// ProbesTotal counts liveness probes by outcome
var ProbesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lanmesh_probes_total",
		Help: "Total number of liveness probes by outcome",
	},
	[]string{"outcome"},
)

// ProbeRTT observes successful probe round trips
var ProbeRTT = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "lanmesh_probe_rtt_seconds",
		Help:    "Round trip time of successful liveness probes",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	},
)

// Peers tracks how many peers are in each state
var Peers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "lanmesh_peers",
		Help: "Number of known peers by state",
	},
	[]string{"state"},
)

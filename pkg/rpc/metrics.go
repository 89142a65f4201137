// Copyright 2026 Unicity Labs
//

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_rpc_requests_total",
			Help: "Total number of JSON-RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_rpc_active_requests",
			Help: "Number of JSON-RPC requests currently admitted and in flight",
		},
	)

	smtRootGaugeSet = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_round_number",
			Help: "The latest stored block number, as last reported by get_block_height",
		},
	)

	leaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_is_leader",
			Help: "Whether this node currently holds block-production leadership (1 = leader, 0 = follower)",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(activeRequests)
	prometheus.MustRegister(smtRootGaugeSet)
	prometheus.MustRegister(leaderGauge)
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

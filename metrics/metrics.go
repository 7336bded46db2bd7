// Package metrics holds the Prometheus collectors shared by the ledger node
// and the synchronizing client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is exposed on /metrics by the node.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		SubmissionsTotal, SubmitDuration,
		ClientRefreshTotal, ClientDroppedResponses,
	)
}

// SubmissionsTotal counts ledger submissions by action and outcome
// (applied | rejected | stale | replay | error).
var SubmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "escrow_submissions_total",
		Help: "Ledger submissions by action and outcome",
	},
	[]string{"action", "outcome"},
)

var SubmitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "escrow_submit_duration_seconds",
		Help:    "Time to apply or reject one submission",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"action"},
)

// ClientRefreshTotal counts client bulk refreshes (ok | error).
var ClientRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "escrow_client_refresh_total",
		Help: "Client bulk refreshes by outcome",
	},
	[]string{"outcome"},
)

// ClientDroppedResponses counts ledger responses discarded because a newer
// request for the same job was already issued.
var ClientDroppedResponses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "escrow_client_dropped_responses_total",
		Help: "Late ledger responses dropped by the client",
	},
)

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

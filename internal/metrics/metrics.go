// Package metrics exposes Prometheus collectors for the live ticket feeds, access decisions
// and backend connectivity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedMode is 1 for the transport a scope class currently uses and 0 for the other.
	FeedMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helpdesk_feed_mode",
			Help: "Current feed transport per scope class (1 = active)",
		},
		[]string{"scope", "mode"},
	)

	// FeedPushFailuresTotal counts push transport failures per scope class.
	FeedPushFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_feed_push_failures_total",
			Help: "Total number of push subscription failures",
		},
		[]string{"scope"},
	)

	// FeedDeliveriesTotal counts snapshots handed to consumers.
	FeedDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_feed_deliveries_total",
			Help: "Total number of ticket snapshots delivered",
		},
		[]string{"scope", "transport"},
	)

	// FeedActiveTransports tracks open push transports.
	FeedActiveTransports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helpdesk_feed_active_transports",
			Help: "Number of shared push transports currently open",
		},
	)

	// FeedDecodeSkippedTotal counts records dropped because they failed to decode.
	FeedDecodeSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helpdesk_feed_decode_skipped_total",
			Help: "Total number of malformed ticket records skipped",
		},
	)

	// GateDecisionsTotal counts access gate outcomes.
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_gate_decisions_total",
			Help: "Total number of access gate decisions",
		},
		[]string{"decision"},
	)

	// BackendOnline is 1 while the connectivity monitor can reach the document store.
	BackendOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helpdesk_backend_online",
			Help: "Whether the document store is reachable (1 = online)",
		},
	)
)

// SetFeedMode marks mode as the active transport for scope.
func SetFeedMode(scope, mode string) {
	for _, m := range []string{"push", "poll"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		FeedMode.WithLabelValues(scope, m).Set(v)
	}
}

// SetOnline records backend reachability.
func SetOnline(online bool) {
	if online {
		BackendOnline.Set(1)
		return
	}
	BackendOnline.Set(0)
}

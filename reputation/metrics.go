package reputation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Outcomes       *prometheus.CounterVec
	ServerOutcomes *prometheus.CounterVec
	Drains         prometheus.Counter
	DrainFailures  prometheus.Counter
	FollowsScored  prometheus.Counter
	FollowsPruned  prometheus.Counter
	BadServers     prometheus.Counter
	PendingInboxes prometheus.Gauge
}

// NewMetrics registers the reputation metrics with registry. A nil registry
// leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reputation_outcomes_total",
			Help: "Delivery outcomes recorded per inbox",
		}, []string{"result"}),
		ServerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reputation_server_outcomes_total",
			Help: "Outcomes recorded per server",
		}, []string{"result"}),
		Drains: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_drains_total",
			Help: "Number of buffer drains",
		}),
		DrainFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_drain_failures_total",
			Help: "Number of drains that hit a store error",
		}),
		FollowsScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_follows_scored_total",
			Help: "Follow score updates written",
		}),
		FollowsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_follows_pruned_total",
			Help: "Follows removed after reaching the score floor",
		}),
		BadServers: factory.NewCounter(prometheus.CounterOpts{
			Name: "reputation_bad_servers_total",
			Help: "Servers flagged bad after a follow reached the score floor",
		}),
		PendingInboxes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reputation_pending_inboxes",
			Help: "Inboxes with a buffered score delta",
		}),
	}
}

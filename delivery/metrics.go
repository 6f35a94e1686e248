package delivery

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Enqueued        *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	Finished        *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	Active          *prometheus.GaugeVec
	AttemptDuration *prometheus.HistogramVec
}

// NewMetrics registers the delivery metrics with registry. A nil registry
// leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_enqueued_total",
			Help: "Delivery jobs enqueued",
		}, []string{"type"}),
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Delivery job attempts",
		}, []string{"type"}),
		Finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_finished_total",
			Help: "Delivery jobs that reached a terminal state",
		}, []string{"type", "state"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_requests_total",
			Help: "Outbound inbox requests by result",
		}, []string{"result"}),
		Active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delivery_jobs_active",
			Help: "Delivery jobs currently running",
		}, []string{"type"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_attempt_duration_seconds",
			Help:    "Duration of delivery job attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDeliveryRejected):
		return "rejected"
	default:
		return "transport"
	}
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrobbler_pending",
		Help: "Current number of scrobbles waiting for submission",
	}, []string{"service"})

	backoffGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrobbler_backoff_threshold",
		Help: "Number of new scrobbles to wait for before retrying after a failed round",
	}, []string{"service"})

	enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobbler_enqueued_total",
		Help: "Total number of scrobbles queued",
	}, []string{"service"})

	roundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobbler_rounds_total",
		Help: "Total number of submission rounds by result",
	}, []string{"service", "result"})

	resolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scrobbler_resolved_total",
		Help: "Total number of scrobbles that left the queue by outcome",
	}, []string{"service", "outcome"})
)

func init() {
	prometheus.MustRegister(
		pendingGauge,
		backoffGauge,
		enqueuedTotal,
		roundsTotal,
		resolvedTotal,
	)
}

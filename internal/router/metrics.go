// ABOUTME: Prometheus metrics for routed message delivery
// ABOUTME: Counters for deliveries, retries, expiries, dead letters plus latency histogram

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks router delivery outcomes.
type Metrics struct {
	Delivered   *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	Expired     *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	SLAMisses   prometheus.Counter
	Latency     *prometheus.HistogramVec
}

// NewMetrics registers router metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_router_delivered_total",
			Help: "Envelopes delivered and acknowledged, by target division.",
		}, []string{"target_division"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_router_retries_total",
			Help: "Delivery attempts that failed and were rescheduled, by target division.",
		}, []string{"target_division"}),
		Expired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_router_expired_total",
			Help: "Envelopes dropped because their TTL elapsed before delivery.",
		}, []string{"target_division"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_router_dead_letters_total",
			Help: "Envelopes moved to the dead-letter store, by target division.",
		}, []string{"target_division"}),
		SLAMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabric_router_sla_misses_total",
			Help: "Sends that returned AGENT_UNAVAILABLE because the delivery SLA elapsed.",
		}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_router_delivery_seconds",
			Help:    "Wall time from send to acknowledged delivery.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"target_division"}),
	}
}

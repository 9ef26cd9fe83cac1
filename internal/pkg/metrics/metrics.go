package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firegate_admission_decisions_total",
		Help: "Trade admission decisions by outcome",
	}, []string{"outcome"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firegate_risk_rejects_total",
		Help: "Risk evaluator rejections by reason",
	}, []string{"reason"})

	PoolAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firegate_pool_allocations_total",
		Help: "Endpoint pool allocation attempts",
	}, []string{"tier", "result"})

	EstopTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firegate_estop_transitions_total",
		Help: "Emergency stop state transitions",
	}, []string{"scope", "level", "transition"})

	LimiterFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firegate_ratelimit_fallbacks_total",
		Help: "Rate limiter primary store failures handled by the local fallback",
	})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "firegate_dispatch_seconds",
		Help:    "Dispatch-to-ack latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "firegate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

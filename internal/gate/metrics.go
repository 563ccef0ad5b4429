package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_gate_decisions_total",
			Help: "Gate decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	creditsChargedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_gate_credits_charged_total",
			Help: "Total credits debited across all keys",
		},
	)

	creditsRefundedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_gate_credits_refunded_total",
			Help: "Total credits refunded after upstream failures",
		},
	)

	evaluateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paygate_gate_evaluate_seconds",
			Help:    "Latency of gate evaluation",
			Buckets: prometheus.DefBuckets,
		},
	)
)

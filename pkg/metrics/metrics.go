package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docuroom", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docuroom", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	EngineOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docuroom", Name: "engine_operations_total", Help: "Number of document engine operations by name and outcome."},
		[]string{"operation", "outcome"},
	)
	EngineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "docuroom", Name: "engine_operation_seconds", Help: "Duration of document engine operations.", Buckets: prometheus.DefBuckets},
		[]string{"operation"},
	)
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docuroom", Name: "lock_acquisitions_total", Help: "Number of advisory lock acquisitions by kind."},
		[]string{"kind"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(EngineOps)
	reg.MustRegister(EngineOpDuration)
	reg.MustRegister(LockAcquisitions)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records primary credential checks by result (success|failure|blocked).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_auth_attempts_total",
			Help: "Total number of primary authentication attempts",
		},
		[]string{"result"},
	)

	// MFAChallenges counts second-factor verifications by method and result.
	MFAChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_mfa_challenges_total",
			Help: "Total number of MFA challenge verifications",
		},
		[]string{"method", "result"},
	)

	// RecoveryRequests counts MFA recovery requests and resets by outcome.
	RecoveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_mfa_recovery_total",
			Help: "Total number of MFA recovery operations",
		},
		[]string{"operation", "result"},
	)

	// ActiveTokens tracks issued tokens that are neither expired nor revoked.
	ActiveTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authgate_active_tokens",
			Help: "Number of live access tokens",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authgate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

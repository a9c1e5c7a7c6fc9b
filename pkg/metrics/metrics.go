package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication steps by stage (otp|mfa) and result.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpguard_auth_attempts_total",
			Help: "Total number of authentication attempts per stage",
		},
		[]string{"stage", "result"},
	)

	// RiskLevels counts computed risk assessments by level.
	RiskLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpguard_risk_level_total",
			Help: "Total number of risk assessments by level",
		},
		[]string{"level"},
	)

	// OTPDispatch counts OTP email deliveries (sent|failed).
	OTPDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpguard_otp_dispatch_total",
			Help: "Total number of OTP delivery attempts",
		},
		[]string{"result"},
	)

	// MaintenanceRuns counts background cleanup runs by job and result.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpguard_maintenance_runs_total",
			Help: "Total number of maintenance job runs",
		},
		[]string{"job", "result"},
	)

	// MaintenanceRemoved counts rows deleted by maintenance jobs.
	MaintenanceRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpguard_maintenance_removed_total",
			Help: "Rows removed by maintenance jobs",
		},
		[]string{"job"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otpguard_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

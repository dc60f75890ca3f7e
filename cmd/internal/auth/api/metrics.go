package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_issued_total",
		Help: "Sessions issued via register or login.",
	})

	metricSessionsRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_rotated_total",
		Help: "Successful refresh-token rotations.",
	})

	metricRefreshReuse = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Refresh-token replays that triggered device-wide revocation.",
	})

	metricLoginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_failures_total",
		Help: "Failed login attempts by reason.",
	}, []string{"reason"})
)

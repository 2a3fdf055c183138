// Package metrics holds the Prometheus collectors of the invocation layer.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greybridge",
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Invocations handled, by selector and outcome kind.",
		},
		[]string{"side", "selector", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "greybridge",
			Subsystem: "dispatch",
			Name:      "invocation_duration_seconds",
			Help:      "Invocation handling time in seconds, idle wait included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"side", "selector", "outcome"},
	)
	idleWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "greybridge",
			Subsystem: "idle",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for the application to become idle.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"side", "idle"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greybridge",
			Subsystem: "conn",
			Name:      "connect_attempts_total",
			Help:      "Dial and handshake attempts.",
		},
		[]string{"side", "success"},
	)
	connectionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greybridge",
			Subsystem: "conn",
			Name:      "lost_total",
			Help:      "Channels that dropped with calls pending or open.",
		},
		[]string{"side"},
	)
	exportedHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "greybridge",
			Subsystem: "handles",
			Name:      "live",
			Help:      "Handles currently resolvable.",
		},
		[]string{"side"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greybridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Diagnostic HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			invocations,
			invocationDuration,
			idleWait,
			connectAttempts,
			connectionsLost,
			exportedHandles,
			httpRequests,
		)
	})
}

func RecordInvocation(side, selector, outcome string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(side, selector, outcome).Inc()
	invocationDuration.WithLabelValues(side, selector, outcome).Observe(duration.Seconds())
}

func RecordIdleWait(side string, duration time.Duration, idle bool) {
	RegisterMetrics()
	idleWait.WithLabelValues(side, strconv.FormatBool(idle)).Observe(duration.Seconds())
}

func RecordConnectAttempt(side string, success bool) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(side, strconv.FormatBool(success)).Inc()
}

func RecordConnectionLost(side string) {
	RegisterMetrics()
	connectionsLost.WithLabelValues(side).Inc()
}

func SetLiveHandles(side string, n int) {
	RegisterMetrics()
	exportedHandles.WithLabelValues(side).Set(float64(n))
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordInvocation("app", "Window.Title", "ok", 3*time.Millisecond)
	RecordIdleWait("app", time.Millisecond, true)
	RecordConnectAttempt("test", false)
	RecordConnectionLost("test")
	SetLiveHandles("app", 4)
	RecordHTTPRequest("GET", "/healthz", 200)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["greybridge_dispatch_invocations_total"])
	require.True(t, names["greybridge_handles_live"])
	require.True(t, names["greybridge_idle_wait_duration_seconds"])
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTaskSubmitted(true)
		m.RecordPipelineEntry("video", false)
		m.RecordRoute("")
		m.RecordConnectionClosed("idle")
		m.RecordArchive(false, true, false)
		m.RecordDelivery(3, 1)
		m.SetSubscribers(2)
	})
}

func TestRecordRoute(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRoute("edge-1")
	m.RecordRoute("edge-1")
	m.RecordRoute("")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RouteDecisions.WithLabelValues("edge-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteFailures))
}

func TestRecordConnections(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordConnectionOpened("tcp")
	m.RecordConnectionOpened("tcp")
	m.RecordConnectionClosed("idle")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("idle")))
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(202))
	assert.Equal(t, "4xx", statusCodeToString(429))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(0))
}

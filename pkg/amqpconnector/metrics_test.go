package amqpconnector

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics("testns", reg)

	m.sentMessages.Inc()
	m.faults.WithLabelValues("transport fault").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["testns_sent_messages_total"])
	assert.True(t, names["testns_faults_total"])
}

func TestNewMetricsWithNilRegistererDoesNotPanic(t *testing.T) {
	m := newMetrics("", nil)
	assert.NotPanics(t, func() { m.active.Set(3) })
}

func TestFaultsCounterPartitionsByClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics("testns", reg)

	m.faults.WithLabelValues("transport fault").Inc()
	m.faults.WithLabelValues("heartbeat timeout").Inc()
	m.faults.WithLabelValues("transport fault").Inc()

	var metric dto.Metric
	require.NoError(t, m.faults.WithLabelValues("transport fault").Write(&metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}

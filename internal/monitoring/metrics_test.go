package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFusionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewFusionMetrics(reg)
	require.NoError(t, err)

	m.AddIngested(1, 3)
	m.AddIngested(2, 1)
	m.AddDropped(DropSensorGhost, 2)
	m.AddDropped(DropLate, 0)
	m.SetPending(4)
	m.ObserveFlush(4, time.Millisecond, true, 2)
	m.ObserveFlush(0, time.Microsecond, false, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DetectionsIngested.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetectionsIngested.WithLabelValues("2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DetectionsDropped.WithLabelValues(DropSensorGhost)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PendingTimestamps))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Flushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesEmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GroupsEmitted))
}

func TestFusionMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewFusionMetrics(reg)
	require.NoError(t, err)

	_, err = NewFusionMetrics(reg)
	assert.Error(t, err)
}

func TestFusionMetrics_NilSafe(t *testing.T) {
	var m *FusionMetrics
	assert.NotPanics(t, func() {
		m.AddIngested(1, 1)
		m.AddDropped(DropQueueFull, 1)
		m.SetPending(1)
		m.ObserveFlush(1, time.Millisecond, true, 1)
	})
}

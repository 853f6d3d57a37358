package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.TaskScheduled()
	m.TaskScheduled()
	m.TaskDispatched()
	m.DeliveryFailed()
	m.TaskRetried()
	m.TaskDeadLettered()
	m.TasksReloaded(3)
	m.TasksReloaded(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reloaded))
}

func TestMetrics_ObserveWheel(t *testing.T) {
	m := New()
	size := 7
	m.ObserveWheel(func() int { return size })

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "tieredtimer_wheel_tasks" {
			found = true
			assert.Equal(t, 7.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskScheduled()
		m.TaskDispatched()
		m.DeliveryFailed()
		m.TaskRetried()
		m.TaskDeadLettered()
		m.TasksReloaded(1)
		m.ObserveWheel(func() int { return 0 })
	})
}

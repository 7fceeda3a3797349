package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("testflow", reg, zap.NewNop())

	c.StepDispatched("builder", "compile")
	c.StepDispatched("builder", "compile")
	c.StepFinished("builder", "compile", "completed", 50*time.Millisecond)
	c.StepFinished("builder", "compile", "failed", 10*time.Millisecond)
	c.StepRetried("builder", "compile")

	assert.InDelta(t, 2, testutil.ToFloat64(c.stepsDispatched.WithLabelValues("builder", "compile")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stepsFinished.WithLabelValues("builder", "compile", "completed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stepsFinished.WithLabelValues("builder", "compile", "failed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stepRetries.WithLabelValues("builder", "compile")), 1e-9)
	// Two dispatched, two finished.
	assert.InDelta(t, 0, testutil.ToFloat64(c.runningSteps), 1e-9)
}

func TestCollectorInstanceGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("testflow", reg, zap.NewNop())

	c.InstanceStarted()
	c.InstanceStarted()
	assert.InDelta(t, 2, testutil.ToFloat64(c.activeInstances), 1e-9)

	c.InstanceFinalized("completed")
	c.InstanceFinalized("failed")
	assert.InDelta(t, 0, testutil.ToFloat64(c.activeInstances), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.instancesTotal.WithLabelValues("completed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.instancesTotal.WithLabelValues("failed")), 1e-9)

	c.SetReadyWaiting(7)
	assert.InDelta(t, 7, testutil.ToFloat64(c.readyWaiting), 1e-9)

	c.AlertRaised()
	assert.InDelta(t, 1, testutil.ToFloat64(c.alertsTotal), 1e-9)
}

func TestCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("testflow", reg, zap.NewNop())
	c.StepDispatched("a", "b")
	c.InstanceStarted()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["testflow_steps_dispatched_total"])
	assert.True(t, names["testflow_running_steps"])
	assert.True(t, names["testflow_active_instances"])
}

func TestCollectorSeparateRegistries(t *testing.T) {
	// Two collectors over distinct registries must not collide.
	a := NewCollector("testflow", prometheus.NewRegistry(), zap.NewNop())
	b := NewCollector("testflow", prometheus.NewRegistry(), zap.NewNop())
	a.StepDispatched("x", "y")
	b.StepDispatched("x", "y")
	assert.InDelta(t, 1, testutil.ToFloat64(a.stepsDispatched.WithLabelValues("x", "y")), 1e-9)
}

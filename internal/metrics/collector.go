// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and updates engine metrics.
type Collector struct {
	stepsDispatched *prometheus.CounterVec
	stepsFinished   *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	runningSteps    prometheus.Gauge
	readyWaiting    prometheus.Gauge
	instancesTotal  *prometheus.CounterVec
	activeInstances prometheus.Gauge
	alertsTotal     prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg.
// A nil reg uses the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stepsDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_dispatched_total",
			Help:      "Total number of step attempts dispatched to agents",
		},
		[]string{"agent", "command"},
	)

	c.stepsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Total number of finished step attempts by outcome",
		},
		[]string{"agent", "command", "outcome"},
	)

	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries scheduled",
		},
		[]string{"agent", "command"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step attempt duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"agent", "command"},
	)

	c.runningSteps = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_steps",
			Help:      "Number of steps currently running",
		},
	)

	c.readyWaiting = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_steps_waiting",
			Help:      "Number of ready steps waiting for a resource grant",
		},
	)

	c.instancesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Total number of finalized workflow instances by status",
		},
		[]string{"status"},
	)

	c.activeInstances = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Number of non-terminal workflow instances",
		},
	)

	c.alertsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of error-rate alerts raised",
		},
	)

	return c
}

// StepDispatched records a step attempt handed to an agent.
func (c *Collector) StepDispatched(agent, command string) {
	c.stepsDispatched.WithLabelValues(agent, command).Inc()
	c.runningSteps.Inc()
}

// StepFinished records a finished step attempt.
func (c *Collector) StepFinished(agent, command, outcome string, duration time.Duration) {
	c.stepsFinished.WithLabelValues(agent, command, outcome).Inc()
	c.stepDuration.WithLabelValues(agent, command).Observe(duration.Seconds())
	c.runningSteps.Dec()
}

// StepRetried records a scheduled retry.
func (c *Collector) StepRetried(agent, command string) {
	c.stepRetries.WithLabelValues(agent, command).Inc()
}

// SetReadyWaiting records how many ready steps are waiting for capacity.
func (c *Collector) SetReadyWaiting(n int) {
	c.readyWaiting.Set(float64(n))
}

// InstanceStarted records a newly admitted instance.
func (c *Collector) InstanceStarted() {
	c.activeInstances.Inc()
}

// InstanceFinalized records a terminal instance.
func (c *Collector) InstanceFinalized(status string) {
	c.instancesTotal.WithLabelValues(status).Inc()
	c.activeInstances.Dec()
}

// AlertRaised records an error-rate alert.
func (c *Collector) AlertRaised() {
	c.alertsTotal.Inc()
}

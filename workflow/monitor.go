package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/internal/metrics"
)

// Alert describes a threshold breach observed by the monitor.
type Alert struct {
	// ErrorRate is the windowed fraction of failed attempts.
	ErrorRate float64
	// Window is the sliding window the rate was computed over.
	Window time.Duration
	// Samples is the number of attempts in the window.
	Samples int
	At      time.Time
}

// AlertFunc receives alerts raised by the monitor. It is invoked on its own
// goroutine so a slow handler never stalls step result processing.
type AlertFunc func(Alert)

// MonitorConfig configures the monitor's alerting.
type MonitorConfig struct {
	// ErrorRateThreshold raises an alert when the windowed error rate
	// meets or exceeds it. Zero disables alerting.
	ErrorRateThreshold float64
	// Window is the sliding window length.
	Window time.Duration
	// MinSamples is the minimum attempts in the window before the rate is
	// considered meaningful.
	MinSamples int
}

// commandStats aggregates outcomes per (agent, command).
type commandStats struct {
	Dispatched    int64
	Completed     int64
	Failed        int64
	TimedOut      int64
	TotalDuration time.Duration
}

type windowSample struct {
	at     time.Time
	failed bool
}

// Monitor observes every step and instance transition, maintains counters,
// and raises threshold alerts. It is a pure observer: nothing here feeds
// back into scheduling. The scheduler calls it synchronously, so per-instance
// event order is preserved; external consumers use the EventBus instead.
type Monitor struct {
	cfg       MonitorConfig
	collector *metrics.Collector
	alertFn   AlertFunc
	logger    *zap.Logger

	mu          sync.Mutex
	perCommand  map[[2]string]*commandStats
	window      []windowSample
	alertActive bool
	events      int64
	alerts      int64
}

// NewMonitor creates a monitor. collector and alertFn may be nil.
func NewMonitor(cfg MonitorConfig, collector *metrics.Collector, alertFn AlertFunc, logger *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	return &Monitor{
		cfg:        cfg,
		collector:  collector,
		alertFn:    alertFn,
		logger:     logger.With(zap.String("component", "monitor")),
		perCommand: make(map[[2]string]*commandStats),
	}
}

// Observe records a transition event.
func (m *Monitor) Observe(ev Event) {
	m.mu.Lock()
	m.events++
	m.mu.Unlock()

	m.logger.Debug("transition",
		zap.String("instance_id", ev.InstanceID.String()),
		zap.String("step_id", ev.StepID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.Uint64("seq", ev.Seq),
		zap.String("detail", ev.Detail),
	)
}

// StepDispatched records a step attempt handed to an agent.
func (m *Monitor) StepDispatched(agent, command string) {
	m.mu.Lock()
	m.stats(agent, command).Dispatched++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.StepDispatched(agent, command)
	}
}

// StepFinished records a finished attempt and updates the alert window.
// outcome is "completed", "failed", "timeout", or "cancelled".
func (m *Monitor) StepFinished(agent, command, outcome string, duration time.Duration) {
	now := time.Now()
	failed := outcome == "failed" || outcome == "timeout"

	m.mu.Lock()
	st := m.stats(agent, command)
	st.TotalDuration += duration
	switch outcome {
	case "completed":
		st.Completed++
	case "timeout":
		st.TimedOut++
	case "failed":
		st.Failed++
	}
	if outcome != "cancelled" {
		m.window = append(m.window, windowSample{at: now, failed: failed})
	}
	alert, rate, samples := m.evaluateWindowLocked(now)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.StepFinished(agent, command, outcome, duration)
	}

	if alert {
		m.raise(Alert{ErrorRate: rate, Window: m.cfg.Window, Samples: samples, At: now})
	}
}

// StepRetried records a scheduled retry.
func (m *Monitor) StepRetried(agent, command string) {
	if m.collector != nil {
		m.collector.StepRetried(agent, command)
	}
}

// InstanceStarted records a newly admitted instance.
func (m *Monitor) InstanceStarted() {
	if m.collector != nil {
		m.collector.InstanceStarted()
	}
}

// InstanceFinalized records a terminal instance.
func (m *Monitor) InstanceFinalized(status InstanceStatus) {
	if m.collector != nil {
		m.collector.InstanceFinalized(string(status))
	}
}

// SetReadyWaiting records how many ready steps are waiting for capacity.
func (m *Monitor) SetReadyWaiting(n int) {
	if m.collector != nil {
		m.collector.SetReadyWaiting(n)
	}
}

// evaluateWindowLocked prunes the sliding window and decides whether a new
// alert fires. The alert latches until the rate drops below threshold, so a
// sustained breach raises once.
func (m *Monitor) evaluateWindowLocked(now time.Time) (fire bool, rate float64, samples int) {
	if m.cfg.ErrorRateThreshold <= 0 {
		return false, 0, 0
	}

	cutoff := now.Add(-m.cfg.Window)
	kept := m.window[:0]
	for _, s := range m.window {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.window = kept

	samples = len(m.window)
	if samples < m.cfg.MinSamples {
		m.alertActive = false
		return false, 0, samples
	}

	failures := 0
	for _, s := range m.window {
		if s.failed {
			failures++
		}
	}
	rate = float64(failures) / float64(samples)

	if rate >= m.cfg.ErrorRateThreshold {
		if !m.alertActive {
			m.alertActive = true
			m.alerts++
			return true, rate, samples
		}
		return false, rate, samples
	}
	m.alertActive = false
	return false, rate, samples
}

func (m *Monitor) raise(alert Alert) {
	m.logger.Warn("error-rate alert",
		zap.Float64("rate", alert.ErrorRate),
		zap.Duration("window", alert.Window),
		zap.Int("samples", alert.Samples),
	)
	if m.collector != nil {
		m.collector.AlertRaised()
	}
	if m.alertFn != nil {
		go m.alertFn(alert)
	}
}

func (m *Monitor) stats(agent, command string) *commandStats {
	key := [2]string{agent, command}
	st, ok := m.perCommand[key]
	if !ok {
		st = &commandStats{}
		m.perCommand[key] = st
	}
	return st
}

// MonitorStats is a snapshot of monitor counters for one (agent, command).
type MonitorStats struct {
	Agent       string        `json:"agent"`
	Command     string        `json:"command"`
	Dispatched  int64         `json:"dispatched"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	TimedOut    int64         `json:"timed_out"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats returns per-command aggregates.
func (m *Monitor) Stats() []MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MonitorStats, 0, len(m.perCommand))
	for key, st := range m.perCommand {
		s := MonitorStats{
			Agent:      key[0],
			Command:    key[1],
			Dispatched: st.Dispatched,
			Completed:  st.Completed,
			Failed:     st.Failed,
			TimedOut:   st.TimedOut,
		}
		finished := st.Completed + st.Failed + st.TimedOut
		if finished > 0 {
			s.SuccessRate = float64(st.Completed) / float64(finished)
			s.AvgDuration = st.TotalDuration / time.Duration(finished)
		}
		out = append(out, s)
	}
	return out
}

// AlertCount returns the number of alerts raised so far.
func (m *Monitor) AlertCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts
}

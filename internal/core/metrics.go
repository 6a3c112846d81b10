package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "jobengine"
	metricsSubsystem = "pool"
)

// Metrics holds the collectors updated by the execution pool. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	slots        prometheus.Gauge
	running      prometheus.Gauge
	claimed      prometheus.Counter
	finished     *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

// NewMetrics creates the pool collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "slots",
			Help:      "Number of parallel execution slots.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "running_jobs",
			Help:      "Number of jobs currently occupying a slot.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "claimed_executions_total",
			Help:      "Waiting executions claimed by the pool.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "finished_executions_total",
			Help:      "Executions that left their slot, by final state.",
		}, []string{"state"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one pool tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
	reg.MustRegister(m.slots, m.running, m.claimed, m.finished, m.tickDuration)
	return m
}

func (m *Metrics) setSlots(n int) {
	if m == nil {
		return
	}
	m.slots.Set(float64(n))
}

func (m *Metrics) setRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

func (m *Metrics) incClaimed() {
	if m == nil {
		return
	}
	m.claimed.Inc()
}

func (m *Metrics) incFinished(state ExecutionState) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

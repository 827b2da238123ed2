package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-step and per-run counters and timings. A filesystem
// shrink can run for minutes; exposing these through the optional metrics
// listener lets an operator watch a run from outside the process.
type Metrics struct {
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// NewMetrics creates the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackresize",
			Name:      "steps_total",
			Help:      "Resize steps executed, by layer kind and outcome.",
		}, []string{"layer", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackresize",
			Name:      "step_duration_seconds",
			Help:      "Duration of resize steps, by layer kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"layer"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackresize",
			Name:      "runs_total",
			Help:      "Resize runs, by operation and result.",
		}, []string{"op", "result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stackresize",
			Name:      "run_duration_seconds",
			Help:      "End-to-end duration of resize runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		}),
	}
	reg.MustRegister(m.stepsTotal, m.stepDuration, m.runsTotal, m.runDuration)
	return m
}

// StepFinished records one executed step.
func (m *Metrics) StepFinished(layer, outcome string, d time.Duration) {
	m.stepsTotal.WithLabelValues(layer, outcome).Inc()
	m.stepDuration.WithLabelValues(layer).Observe(d.Seconds())
}

// RunFinished records one completed (or halted) run.
func (m *Metrics) RunFinished(op string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.runsTotal.WithLabelValues(op, result).Inc()
	m.runDuration.Observe(d.Seconds())
}

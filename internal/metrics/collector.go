// Package metrics exposes Prometheus collectors for workflow runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weave"

// Collector holds the engine's Prometheus collectors. A nil *Collector is
// valid and records nothing.
type Collector struct {
	runsSubmitted *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	stepAttempts *prometheus.CounterVec
	stepsSkipped *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	tokensUsed   *prometheus.CounterVec
}

// NewCollector registers all collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		runsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Workflow runs accepted by the registry.",
		}, []string{"workflow"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status.",
		}, []string{"workflow", "status"}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Workflow runs currently running.",
		}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from submission to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"workflow", "status"}),
		stepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Agent invocations per step attempt, by outcome.",
		}, []string{"agent", "outcome"}),
		stepsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_skipped_total",
			Help:      "Steps skipped because their condition was false.",
		}, []string{"workflow"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of successful agent calls.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"agent"}),
		tokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_used_total",
			Help:      "Tokens reported by agents.",
		}, []string{"agent"}),
	}
}

func (c *Collector) RunSubmitted(workflow string) {
	if c == nil {
		return
	}
	c.runsSubmitted.WithLabelValues(workflow).Inc()
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunFinished records a terminal status. wasRunning reports whether the run
// had been counted as active.
func (c *Collector) RunFinished(workflow, status string, d time.Duration, wasRunning bool) {
	if c == nil {
		return
	}
	if wasRunning {
		c.runsActive.Dec()
	}
	c.runsFinished.WithLabelValues(workflow, status).Inc()
	c.runDuration.WithLabelValues(workflow, status).Observe(d.Seconds())
}

// StepAttempt records one agent call. outcome is success, retry, or failed.
func (c *Collector) StepAttempt(agent, outcome string) {
	if c == nil {
		return
	}
	c.stepAttempts.WithLabelValues(agent, outcome).Inc()
}

func (c *Collector) StepSucceeded(agent string, d time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(agent).Observe(d.Seconds())
	if tokens > 0 {
		c.tokensUsed.WithLabelValues(agent).Add(float64(tokens))
	}
}

func (c *Collector) StepSkipped(workflow string) {
	if c == nil {
		return
	}
	c.stepsSkipped.WithLabelValues(workflow).Inc()
}

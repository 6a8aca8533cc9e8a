// Package metrics holds the Prometheus collectors for a worker process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task kinds as recorded by the protocol loop.
const (
	KindExec      = "exec"
	KindPing      = "ping"
	KindMalformed = "malformed"
	KindFault     = "fault"
)

// Outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector holds all metrics for one worker. A nil *Collector is valid and
// records nothing.
type Collector struct {
	Registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	CleanupFailures prometheus.Counter
	ReadySignals    prometheus.Counter
}

// New creates a Collector with every metric registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmer",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Tasks handled by the protocol loop, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warmer",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Time spent evaluating submitted code.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"outcome"}),

		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warmer",
			Subsystem: "executor",
			Name:      "cleanup_failures_total",
			Help:      "Capability resets that failed after an evaluation.",
		}),

		ReadySignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warmer",
			Subsystem: "worker",
			Name:      "ready_signals_total",
			Help:      "Readiness tokens written to the supervisor.",
		}),
	}

	reg.MustRegister(c.TasksTotal, c.RunDuration, c.CleanupFailures, c.ReadySignals)
	return c
}

// Task records one handled task.
func (c *Collector) Task(kind, outcome string) {
	if c == nil {
		return
	}
	c.TasksTotal.WithLabelValues(kind, outcome).Inc()
}

// Run records one evaluation.
func (c *Collector) Run(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// CleanupFailed records a failed capability reset.
func (c *Collector) CleanupFailed() {
	if c == nil {
		return
	}
	c.CleanupFailures.Inc()
}

// Ready records one readiness token.
func (c *Collector) Ready() {
	if c == nil {
		return
	}
	c.ReadySignals.Inc()
}

package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/dagrun/internal/scheduler"
)

// Metrics holds the Prometheus collectors for task and run outcomes.
type Metrics struct {
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksInFlight  prometheus.Gauge
	TaskRetries    *prometheus.CounterVec

	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		TaskExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_task_executions_total",
				Help: "Total number of task executions",
			},
			[]string{"task", "success"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"task"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_tasks_in_flight",
				Help: "Number of task bodies currently executing",
			},
		),
		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_task_retries_total",
				Help: "Total number of task retry attempts",
			},
			[]string{"task"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_runs_total",
				Help: "Total number of runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dagrun_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
	}
}

// ObserveTask records one finished task execution.
func (m *Metrics) ObserveTask(name string, d time.Duration, err error) {
	m.TaskExecutions.WithLabelValues(name, boolLabel(err == nil)).Inc()
	m.TaskDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveRetry records a retry attempt for name.
func (m *Metrics) ObserveRetry(name string) {
	m.TaskRetries.WithLabelValues(name).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	m.Runs.WithLabelValues(Outcome(err)).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Outcome classifies a Manager.Run result for labelling.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, scheduler.ErrTimeout):
		return "timeout"
	case errors.Is(err, scheduler.ErrNoStartNodes),
		errors.Is(err, scheduler.ErrCycle),
		errors.Is(err, scheduler.ErrUnknownTask):
		return "invalid"
	default:
		return "error"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

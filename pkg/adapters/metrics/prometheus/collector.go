package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus. Construct it
// once per process: collectors register themselves with the default
// registry and a second registration panics.
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	instancesExecuted *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	stepsExecuted     *prometheus.CounterVec
	stepDuration      prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	activeRuns        prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		runsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkrun_runs_submitted_total",
				Help: "Total number of events handled at submission, by result",
			},
			[]string{"status"},
		),
		runsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkrun_runs_completed_total",
				Help: "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkrun_run_duration_seconds",
				Help:    "Run duration from submission to completion in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		instancesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkrun_instances_executed_total",
				Help: "Total number of job instances executed",
			},
			[]string{"job", "status"},
		),
		instanceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkrun_instance_duration_seconds",
				Help:    "Job instance execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"job"},
		),
		stepsExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkrun_steps_executed_total",
				Help: "Total number of steps executed",
			},
			[]string{"status"},
		),
		stepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkrun_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkrun_cache_lookups_total",
				Help: "Total number of provisioning cache lookups, by result",
			},
			[]string{"result"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkrun_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkrun_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkrun_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		activeRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkrun_active_runs",
				Help: "Number of currently active runs",
			},
		),
	}
}

// RecordRunSubmitted records the result of handling one submitted event.
func (c *Collector) RecordRunSubmitted(status string) {
	c.runsSubmitted.WithLabelValues(status).Inc()
}

// RecordRunCompleted records a completed run and its duration.
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordInstanceExecuted records an executed job instance.
func (c *Collector) RecordInstanceExecuted(job, status string, duration time.Duration) {
	c.instancesExecuted.WithLabelValues(job, status).Inc()
	c.instanceDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordStepExecuted records an executed step.
func (c *Collector) RecordStepExecuted(status string, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(status).Inc()
	c.stepDuration.Observe(duration.Seconds())
}

// RecordCacheLookup records a provisioning cache lookup result.
func (c *Collector) RecordCacheLookup(result string) {
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordWorkerPoolStatus records worker pool occupancy.
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetActiveRuns sets the number of currently active runs.
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

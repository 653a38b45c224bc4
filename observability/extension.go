package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Compile-time interface checks.
var (
	_ hook.Extension       = (*MetricsExtension)(nil)
	_ hook.JobSubmitted    = (*MetricsExtension)(nil)
	_ hook.JobAssigned     = (*MetricsExtension)(nil)
	_ hook.JobCompleted    = (*MetricsExtension)(nil)
	_ hook.JobFailed       = (*MetricsExtension)(nil)
	_ hook.JobRequeued     = (*MetricsExtension)(nil)
	_ hook.JobCancelled    = (*MetricsExtension)(nil)
	_ hook.JobDeadLettered = (*MetricsExtension)(nil)
	_ hook.RobotOnline     = (*MetricsExtension)(nil)
	_ hook.RobotOffline    = (*MetricsExtension)(nil)
)

// MetricsExtension records fleet-wide lifecycle metrics. Counters are
// labelled by environment so per-tenant dashboards fall out of one
// metric family.
type MetricsExtension struct {
	registry *prometheus.Registry

	jobsSubmitted    *prometheus.CounterVec
	jobsAssigned     *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRequeued     *prometheus.CounterVec
	jobsCancelled    *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	robotsConnected  prometheus.Gauge
	jobDuration      *prometheus.HistogramVec
}

// NewMetricsExtension creates a MetricsExtension backed by its own
// Prometheus registry.
func NewMetricsExtension() *MetricsExtension {
	reg := prometheus.NewRegistry()

	envCounter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare",
			Name:      name,
			Help:      help,
		}, []string{"environment"})
		reg.MustRegister(c)
		return c
	}

	m := &MetricsExtension{
		registry:         reg,
		jobsSubmitted:    envCounter("jobs_submitted_total", "Jobs accepted into the queue."),
		jobsAssigned:     envCounter("jobs_assigned_total", "Jobs handed to a robot."),
		jobsCompleted:    envCounter("jobs_completed_total", "Jobs finished successfully."),
		jobsFailed:       envCounter("jobs_failed_total", "Jobs failed terminally."),
		jobsRequeued:     envCounter("jobs_requeued_total", "Jobs returned to pending for another attempt."),
		jobsCancelled:    envCounter("jobs_cancelled_total", "Jobs cancelled."),
		jobsDeadLettered: envCounter("jobs_dead_lettered_total", "Jobs pushed to the dead letter queue."),
		robotsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare",
			Name:      "robots_connected",
			Help:      "Robots currently registered with the orchestrator.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casare",
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to successful completion.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"environment"}),
	}
	reg.MustRegister(m.robotsConnected, m.jobDuration)

	return m
}

// Handler serves the extension's metrics in Prometheus text format.
func (m *MetricsExtension) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for scraping or tests.
func (m *MetricsExtension) Gatherer() prometheus.Gatherer { return m.registry }

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

func (m *MetricsExtension) OnJobSubmitted(_ context.Context, j *job.Job) error {
	m.jobsSubmitted.WithLabelValues(j.Environment).Inc()
	return nil
}

func (m *MetricsExtension) OnJobAssigned(_ context.Context, j *job.Job) error {
	m.jobsAssigned.WithLabelValues(j.Environment).Inc()
	return nil
}

func (m *MetricsExtension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobsCompleted.WithLabelValues(j.Environment).Inc()
	m.jobDuration.WithLabelValues(j.Environment).Observe(elapsed.Seconds())
	return nil
}

func (m *MetricsExtension) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	m.jobsFailed.WithLabelValues(j.Environment).Inc()
	return nil
}

func (m *MetricsExtension) OnJobRequeued(_ context.Context, j *job.Job, _ int) error {
	m.jobsRequeued.WithLabelValues(j.Environment).Inc()
	return nil
}

func (m *MetricsExtension) OnJobCancelled(_ context.Context, j *job.Job) error {
	m.jobsCancelled.WithLabelValues(j.Environment).Inc()
	return nil
}

func (m *MetricsExtension) OnJobDeadLettered(_ context.Context, j *job.Job, _ error) error {
	m.jobsDeadLettered.WithLabelValues(j.Environment).Inc()
	return nil
}

// ── Robot lifecycle hooks ─────────────────────────────

func (m *MetricsExtension) OnRobotOnline(_ context.Context, _ *robot.Robot) error {
	m.robotsConnected.Inc()
	return nil
}

func (m *MetricsExtension) OnRobotOffline(_ context.Context, _ *robot.Robot) error {
	m.robotsConnected.Dec()
	return nil
}

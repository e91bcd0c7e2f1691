package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and the
// statement pipeline they drive.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	statements *prometheus.CounterVec
	matches    *prometheus.CounterVec
	stages     *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveStatement counts a statement leaving processing. outcome is the
// resulting status and stage the failing stage tag, empty on success.
func (m *Metrics) ObserveStatement(outcome, stage string) {
	if m == nil {
		return
	}
	m.statements.WithLabelValues(outcome, stage).Inc()
}

// ObserveStage records how long one pipeline stage took, measured from start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// AddMatches counts matched items by method and confidence tier.
func (m *Metrics) AddMatches(method, tier string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if method == "" {
		method = "none"
	}
	m.matches.WithLabelValues(method, tier).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	statements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_statements_processed_total",
		Help: "Statements leaving processing, by resulting status and failing stage.",
	}, []string{"outcome", "stage"})
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_statement_item_matches_total",
		Help: "Statement items by match method and confidence tier.",
	}, []string{"method", "confidence"})
	// Vision calls and large spreadsheets dominate the upper buckets.
	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_statement_stage_duration_seconds",
		Help:    "Duration of statement pipeline stages.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})
	registerer.MustRegister(runs, failures, duration, statements, matches, stages)
	return &Metrics{
		runs:       runs,
		failures:   failures,
		duration:   duration,
		statements: statements,
		matches:    matches,
		stages:     stages,
	}
}

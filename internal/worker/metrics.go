package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	pollsTotal       *prometheus.CounterVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	failuresTotal    *prometheus.CounterVec
	storeErrorsTotal *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	artifactsTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobloop_worker_polls_total",
			Help: "Total store polls by result (found, empty, error).",
		}, []string{"result"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobloop_worker_jobs_total",
			Help: "Total executed jobs by task type and final status.",
		}, []string{"task_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobloop_worker_job_duration_seconds",
			Help:    "Time from claim to terminal status write for each job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type", "status"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobloop_worker_job_failures_total",
			Help: "Total failed jobs by failing stage.",
		}, []string{"stage"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobloop_worker_store_errors_total",
			Help: "Total failed store writes by operation.",
		}, []string{"operation"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobloop_worker_active_jobs",
			Help: "Jobs currently between claim and terminal status (0 or 1).",
		}),
		artifactsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobloop_worker_artifacts_uploaded_total",
			Help: "Total result artifacts uploaded and attached to jobs.",
		}),
	}

	registry.MustRegister(
		m.pollsTotal,
		m.jobsTotal,
		m.jobDuration,
		m.failuresTotal,
		m.storeErrorsTotal,
		m.activeJobs,
		m.artifactsTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

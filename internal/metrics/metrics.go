// Package metrics exposes prometheus counters for the batch-job lifecycle.
//
// Metrics:
//
//	fraud_jobs_submitted_total{backend}   jobs accepted by a backend
//	fraud_jobs_completed_total            jobs that finished scoring
//	fraud_jobs_failed_total               jobs that ended failed
//	fraud_jobs_active                     jobs currently scoring
//	fraud_job_duration_seconds            submit-to-terminal latency
//	fraud_status_polls_total{outcome}     status reads issued by pollers
//	fraud_backend_probes_total{outcome}   reachability probes
//	fraud_rows_scored_total               result rows produced
//
// All methods are safe on a nil *Collector, so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsActive    prometheus.Gauge
	jobDuration   prometheus.Histogram
	statusPolls   *prometheus.CounterVec
	probes        *prometheus.CounterVec
	rowsScored    prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the collector's metrics on reg. A nil reg uses a
// fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_jobs_submitted_total",
			Help: "Total number of batch jobs accepted, by backend",
		}, []string{"backend"}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraud_jobs_completed_total",
			Help: "Total number of batch jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraud_jobs_failed_total",
			Help: "Total number of batch jobs that failed",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_jobs_active",
			Help: "Current number of batch jobs being scored",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_job_duration_seconds",
			Help:    "Time from submission to terminal state in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_status_polls_total",
			Help: "Total number of status reads issued by pollers, by outcome",
		}, []string{"outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_backend_probes_total",
			Help: "Total number of backend reachability probes, by outcome",
		}, []string{"outcome"}),
		rowsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraud_rows_scored_total",
			Help: "Total number of transaction rows scored",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsActive,
		c.jobDuration,
		c.statusPolls,
		c.probes,
		c.rowsScored,
	)
	return c
}

func (c *Collector) RecordSubmit(backend string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(backend).Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsActive.Inc()
}

func (c *Collector) RecordCompleted(latencySeconds float64, rows int) {
	if c == nil {
		return
	}
	c.jobsActive.Dec()
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(latencySeconds)
	c.rowsScored.Add(float64(rows))
}

func (c *Collector) RecordFailed(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsActive.Dec()
	c.jobsFailed.Inc()
	c.jobDuration.Observe(latencySeconds)
}

// RecordPoll counts one status read; outcome is "ok" or an error code.
func (c *Collector) RecordPoll(outcome string) {
	if c == nil {
		return
	}
	c.statusPolls.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordProbe(reachable bool) {
	if c == nil {
		return
	}
	outcome := "unreachable"
	if reachable {
		outcome = "reachable"
	}
	c.probes.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

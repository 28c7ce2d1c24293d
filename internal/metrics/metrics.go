// ============================================================================
// Search Scheduler Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose scheduler metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation, Errors)
//   Provides comprehensive observability over the pending/updates loops and
//   the reducer rendezvous without requiring the controller to know anything
//   about Prometheus internals.
//
// Metric Categories:
//
//   1. Job Counters - Cumulative, monotonically increasing:
//      - scheduler_jobs_dispatched_total: Total jobs moved PENDING->RUNNING
//      - scheduler_jobs_succeeded_total: Total jobs that reached SUCCEEDED
//      - scheduler_jobs_failed_total: Total jobs that reached FAILED
//      - scheduler_jobs_cancelled_total: Total jobs that reached CANCELLED
//
//   2. Performance Metrics (Histogram) - Distribution stats:
//      - scheduler_dispatch_latency_seconds: time from the start of handling
//        a fetched pending row to the RUNNING CAS succeeding, including
//        archive resolution and (if required) reducer acquisition
//
//   3. Status Metrics (Gauge) - Instantaneous values:
//      - scheduler_active_jobs: size of the in-memory active_jobs map
//      - scheduler_rendezvous_queue_depth: outstanding reducer offers
//
//   4. Reducer Counters:
//      - scheduler_reducer_offers_total: offers that completed the start
//        handshake (assignment accepted by the reducer)
//      - scheduler_reducer_handshake_failures_total: sessions that ended in
//        a false recv at any phase (dead connection, protocol violation)
//
// Use Cases:
//
//   Alerting:
//   - scheduler_dispatch_latency_seconds > 5s → pending loop is falling behind
//   - scheduler_jobs_failed_total rate increase → worker or reducer fleet unhealthy
//   - scheduler_rendezvous_queue_depth pinned near 32 → reducer fleet undersized
//
//   Capacity Planning:
//   - scheduler_jobs_succeeded_total / time → throughput trend
//   - scheduler_active_jobs vs worker fleet size → dispatch headroom
//
//   Troubleshooting:
//   - scheduler_reducer_handshake_failures_total spike → reducer fleet flapping
//
// Prometheus Query Examples:
//
//   # Jobs completed per minute
//   rate(scheduler_jobs_succeeded_total[1m])
//
//   # 95th percentile dispatch latency
//   histogram_quantile(0.95, scheduler_dispatch_latency_seconds_bucket)
//
//   # Failure rate
//   rate(scheduler_jobs_failed_total[5m]) / rate(scheduler_jobs_dispatched_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port: 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one scheduler process.
type Collector struct {
	jobsDispatched prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter

	dispatchLatency prometheus.Histogram

	activeJobs            prometheus.Gauge
	rendezvousQueueDepth  prometheus.Gauge
	reducerOffers         prometheus.Counter
	reducerHandshakeFails prometheus.Counter
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_dispatched_total",
			Help: "Total number of jobs moved from PENDING to RUNNING",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_succeeded_total",
			Help: "Total number of jobs that reached SUCCEEDED",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_failed_total",
			Help: "Total number of jobs that reached FAILED",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_cancelled_total",
			Help: "Total number of jobs that reached CANCELLED",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_latency_seconds",
			Help:    "Time from handling a fetched pending row to a successful RUNNING CAS",
			Buckets: prometheus.DefBuckets,
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_active_jobs",
			Help: "Current size of the in-memory active_jobs map",
		}),
		rendezvousQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_rendezvous_queue_depth",
			Help: "Current number of reducer offers queued, awaiting acquisition",
		}),
		reducerOffers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_reducer_offers_total",
			Help: "Total number of reducer offers that completed a successful handshake",
		}),
		reducerHandshakeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_reducer_handshake_failures_total",
			Help: "Total number of reducer sessions that ended with a false recv signal",
		}),
	}

	prometheus.MustRegister(
		c.jobsDispatched, c.jobsSucceeded, c.jobsFailed, c.jobsCancelled,
		c.dispatchLatency, c.activeJobs, c.rendezvousQueueDepth,
		c.reducerOffers, c.reducerHandshakeFails,
	)

	return c
}

// RecordDispatch records a job transitioning to RUNNING, along with how long
// the pending loop took to get it there.
func (c *Collector) RecordDispatch(latencySeconds float64) {
	c.jobsDispatched.Inc()
	c.dispatchLatency.Observe(latencySeconds)
}

// RecordSucceeded records a job reaching SUCCEEDED.
func (c *Collector) RecordSucceeded() { c.jobsSucceeded.Inc() }

// RecordFailed records a job reaching FAILED.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordCancelled records a job reaching CANCELLED.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// RecordReducerOffer records a reducer offer completing a successful handshake.
func (c *Collector) RecordReducerOffer() { c.reducerOffers.Inc() }

// RecordReducerHandshakeFailure records a reducer session ending with a
// false recv at any phase.
func (c *Collector) RecordReducerHandshakeFailure() { c.reducerHandshakeFails.Inc() }

// SetActiveJobs reflects the controller's active_jobs map size.
func (c *Collector) SetActiveJobs(n int) { c.activeJobs.Set(float64(n)) }

// SetRendezvousQueueDepth reflects the current depth of the offer queue.
func (c *Collector) SetRendezvousQueueDepth(n int) { c.rendezvousQueueDepth.Set(float64(n)) }

// StartServer starts the Prometheus metrics HTTP server on port.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}

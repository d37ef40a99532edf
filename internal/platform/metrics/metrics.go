// Package metrics exposes Prometheus metrics for the orchestrator and engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Job metrics
	JobsSubmitted  prometheus.Counter
	JobsCompleted  *prometheus.CounterVec
	JobsRetried    prometheus.Counter
	QueueDepth     prometheus.Gauge
	DispatchTotal  *prometheus.CounterVec
	JobDuration    prometheus.Histogram

	// Robot metrics
	RobotsOnline    prometheus.Gauge
	HeartbeatsTotal prometheus.Counter

	// Engine metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec

	// Schedule metrics
	ScheduleFires prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all Prometheus metrics
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs finished, by terminal status",
		}, []string{"status"}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of job dispatch retries",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of pending jobs in the dispatch queue",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts, by outcome",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job wall-clock duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		RobotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robots_online",
			Help:      "Number of robots currently online",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total robot heartbeats received",
		}),
		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node executions, by node type and result",
		}, []string{"node_type", "result"}),
		NodeExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration, by node type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		ScheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Total schedule fires",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.JobsSubmitted, m.JobsCompleted, m.JobsRetried, m.QueueDepth,
		m.DispatchTotal, m.JobDuration, m.RobotsOnline, m.HeartbeatsTotal,
		m.NodeExecutionsTotal, m.NodeExecutionDuration, m.ScheduleFires,
	)
	reg.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/crm-automation/internal/domain"
)

// Metrics holds the automation engine's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Scheduling metrics
	ExecutionsScheduled *prometheus.CounterVec
	ExecutionOutcomes   *prometheus.CounterVec
	Reschedules         *prometheus.CounterVec
	CascadeDepth        prometheus.Histogram
	ScheduleDelay       *prometheus.HistogramVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Retention metrics
	SweptRecords prometheus.Counter
	SweepRuns    *prometheus.CounterVec
}

// New registers every collector on a private registry so tests can build
// as many instances as they need.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ExecutionsScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_executions_scheduled_total",
				Help: "Ledger records created by the scheduler",
			},
			[]string{"rule_domain"},
		),
		ExecutionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_execution_outcomes_total",
				Help: "Processed deferred jobs by outcome",
			},
			[]string{"rule_domain", "outcome"},
		),
		Reschedules: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_reschedules_total",
				Help: "Firings moved to the next valid calendar instant",
			},
			[]string{"rule_domain"},
		),
		CascadeDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "automation_cascade_depth",
			Help:    "Depth of cascaded rule evaluations",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		ScheduleDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_schedule_delay_seconds",
				Help:    "Distance between scheduling time and execution time",
				Buckets: []float64{0, 60, 600, 3600, 6 * 3600, 24 * 3600, 72 * 3600, 7 * 24 * 3600},
			},
			[]string{"rule_domain"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_cache_hits_total",
				Help: "Total number of rule cache hits",
			},
			[]string{"rule_domain"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_cache_misses_total",
				Help: "Total number of rule cache misses",
			},
			[]string{"rule_domain"},
		),

		SweptRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_swept_records_total",
			Help: "Terminal ledger records removed by retention",
		}),
		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_sweep_runs_total",
				Help: "Retention sweep runs",
			},
			[]string{"status"}, // ok, error
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordScheduled(ruleDomain domain.RuleDomain, delay time.Duration) {
	if m == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	m.ExecutionsScheduled.WithLabelValues(string(ruleDomain)).Inc()
	m.ScheduleDelay.WithLabelValues(string(ruleDomain)).Observe(delay.Seconds())
}

func (m *Metrics) RecordOutcome(ruleDomain domain.RuleDomain, outcome string) {
	if m == nil {
		return
	}
	m.ExecutionOutcomes.WithLabelValues(string(ruleDomain), outcome).Inc()
}

func (m *Metrics) RecordReschedule(ruleDomain domain.RuleDomain) {
	if m == nil {
		return
	}
	m.Reschedules.WithLabelValues(string(ruleDomain)).Inc()
}

func (m *Metrics) RecordCascade(depth int) {
	if m == nil {
		return
	}
	m.CascadeDepth.Observe(float64(depth))
}

func (m *Metrics) RecordCacheLookup(ruleDomain domain.RuleDomain, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(string(ruleDomain)).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(string(ruleDomain)).Inc()
}

func (m *Metrics) RecordSweep(deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.SweepRuns.WithLabelValues("ok").Inc()
	m.SweptRecords.Add(float64(deleted))
}

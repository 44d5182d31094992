// Package monitoring exposes Prometheus metrics for the validation workflow.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/pkg/labapi"
)

const namespace = "lab_validation"

// Metrics holds every collector of the service. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	transitionsTotal    *prometheus.CounterVec
	submissionsTotal    *prometheus.CounterVec
	pipelineTotal       *prometheus.CounterVec
	pipelineDuration    *prometheus.HistogramVec
	draftSavesTotal     *prometheus.CounterVec
	draftSaveDuration   prometheus.Histogram
	criticalTotal       prometheus.Counter
	breakerState        *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Order status transitions",
			},
			[]string{"from", "to"},
		),
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_submissions_total",
				Help:      "Per-test submissions for validation",
			},
			[]string{"outcome"},
		),
		pipelineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_pipeline_runs_total",
				Help:      "Approve-and-report pipeline runs by the stage they ended at",
			},
			[]string{"stage", "outcome"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_pipeline_stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		draftSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "draft_saves_total",
				Help:      "Draft batch saves",
			},
			[]string{"outcome"},
		),
		draftSaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "draft_save_duration_seconds",
				Help:      "Duration of draft batch saves in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		criticalTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "critical_results_total",
				Help:      "Result entries flagged Critical",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lab_api_breaker_state",
				Help:      "Circuit breaker state per endpoint group (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.transitionsTotal,
		m.submissionsTotal,
		m.pipelineTotal,
		m.pipelineDuration,
		m.draftSavesTotal,
		m.draftSaveDuration,
		m.criticalTotal,
		m.breakerState,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransition counts an order status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSubmission counts one per-test submission.
func (m *Metrics) RecordSubmission(success bool) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordPipelineStage observes the duration of one pipeline stage.
func (m *Metrics) RecordPipelineStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordPipelineRun counts a finished pipeline run and the stage it ended at.
func (m *Metrics) RecordPipelineRun(stage string, success bool) {
	if m == nil {
		return
	}
	m.pipelineTotal.WithLabelValues(stage, outcome(success)).Inc()
}

// RecordDraftSave records a draft batch save.
func (m *Metrics) RecordDraftSave(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.draftSavesTotal.WithLabelValues(outcome(success)).Inc()
	m.draftSaveDuration.Observe(duration.Seconds())
}

// RecordCriticalResult counts a Critical result entry.
func (m *Metrics) RecordCriticalResult() {
	if m == nil {
		return
	}
	m.criticalTotal.Inc()
}

// RecordBreakerState publishes a breaker transition. It matches the
// labapi.StateChangeFunc signature.
func (m *Metrics) RecordBreakerState(name string, _ gobreaker.State, to gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

// RegisterOrderCache exposes the order cache counters.
func (m *Metrics) RegisterOrderCache(c *cache.OrderCache) {
	if m == nil || c == nil {
		return
	}
	stat := func(name, help string, read func(cache.Stats) float64, counter bool) prometheus.Collector {
		fn := func() float64 { return read(c.Stats()) }
		if counter {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "order_cache", Name: name, Help: help}, fn)
		}
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "order_cache", Name: name, Help: help}, fn)
	}
	m.registry.MustRegister(
		stat("hits_total", "Order cache hits", func(s cache.Stats) float64 { return float64(s.Hits) }, true),
		stat("misses_total", "Order cache misses", func(s cache.Stats) float64 { return float64(s.Misses) }, true),
		stat("evictions_total", "Order cache evictions", func(s cache.Stats) float64 { return float64(s.Evictions) }, true),
		stat("entries", "Orders currently cached", func(s cache.Stats) float64 { return float64(s.Entries) }, false),
	)
}

// RegisterDefinitionCache exposes the test-definition cache counters by tier.
func (m *Metrics) RegisterDefinitionCache(c *labapi.DefinitionCache) {
	if m == nil || c == nil {
		return
	}
	counter := func(name, help, tier string, read func(labapi.DefinitionCacheStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "definition_cache",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"tier": tier},
		}, func() float64 { return float64(read(c.Stats())) })
	}
	m.registry.MustRegister(
		counter("hits_total", "Definition cache hits", "memory", func(s labapi.DefinitionCacheStats) int64 { return s.MemoryHits }),
		counter("hits_total", "Definition cache hits", "redis", func(s labapi.DefinitionCacheStats) int64 { return s.RedisHits }),
		counter("misses_total", "Definition cache misses", "memory", func(s labapi.DefinitionCacheStats) int64 { return s.MemoryMisses }),
		counter("misses_total", "Definition cache misses", "redis", func(s labapi.DefinitionCacheStats) int64 { return s.RedisMisses }),
		counter("errors_total", "Definition cache Redis errors", "redis", func(s labapi.DefinitionCacheStats) int64 { return s.RedisErrors }),
	)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Package metrics exposes Prometheus instruments for the discovery pipeline,
// the item queue and the acquisition automaton.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carminepf"

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	identifiers   *prometheus.CounterVec
	itemsCreated  prometheus.Counter
	itemsDequeued prometheus.Counter
	tokensLeft    prometheus.Gauge
	attempts      *prometheus.CounterVec
	cleanup       prometheus.Counter
}

// New creates Metrics registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Discovery pipeline runs by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of discovery pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		identifiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identifiers_total",
			Help:      "Identifiers seen by the pipeline by classification.",
		}, []string{"kind"}),
		itemsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_created_total",
			Help:      "Items created by discovery.",
		}),
		itemsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dequeued_total",
			Help:      "Items handed out to the queue consumer.",
		}),
		tokensLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_left",
			Help:      "Remaining upstream quota reported by the feed.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_attempts_total",
			Help:      "Acquisition attempts by terminal state.",
		}, []string{"state"}),
		cleanup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Baseline entries removed by retention cleanup.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.identifiers, m.itemsCreated, m.itemsDequeued,
		m.tokensLeft, m.attempts, m.cleanup,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records one pipeline run.
func (m *Metrics) ObserveRun(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
}

// AddIdentifiers counts identifiers of the given kind (fetched, invalid, known, new).
func (m *Metrics) AddIdentifiers(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.identifiers.WithLabelValues(kind).Add(float64(n))
}

// AddItemsCreated counts items created by discovery.
func (m *Metrics) AddItemsCreated(n int) {
	if m == nil {
		return
	}
	m.itemsCreated.Add(float64(n))
}

// AddItemsDequeued counts items handed to the consumer.
func (m *Metrics) AddItemsDequeued(n int) {
	if m == nil {
		return
	}
	m.itemsDequeued.Add(float64(n))
}

// SetTokensLeft records the remaining upstream quota.
func (m *Metrics) SetTokensLeft(n int) {
	if m == nil {
		return
	}
	m.tokensLeft.Set(float64(n))
}

// IncAttempt counts an acquisition attempt ending in state.
func (m *Metrics) IncAttempt(state string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(state).Inc()
}

// AddCleanup counts baseline entries removed by retention.
func (m *Metrics) AddCleanup(n int64) {
	if m == nil {
		return
	}
	m.cleanup.Add(float64(n))
}

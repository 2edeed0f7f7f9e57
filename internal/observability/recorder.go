// Package observability publishes pipeline activity to Prometheus, the
// legacy UDP metrics relay, and the zipkin-style UDP syslog trace sink,
// and carries B3 trace headers across a request's lifetime. The wire
// formats for the relay and syslog sinks are internal-only (spec §6);
// no pack library implements them, so both are hand-rolled net.Conn
// writers (documented in DESIGN.md).
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels a cache lookup or store attempt for the operations
// counter.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	storageSize *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casper",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total proxied requests processed by the pipeline.",
	}, []string{"destination", "cache_name", "cache_status", "status_code"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "casper",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxied requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"destination", "cache_name", "cache_status"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casper",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache storage operations executed by the pipeline.",
	}, []string{"destination", "cache_name", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "casper",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache storage operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"destination", "cache_name", "operation", "result"})

	storageSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casper",
		Subsystem: "storage",
		Name:      "entries",
		Help:      "Number of entries currently held by a storage backend.",
	}, []string{"backend"})

	reg.MustRegister(requests, latency, cacheOperations, cacheLatency, storageSize)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		latency:         latency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		storageSize:     storageSize,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and
// internal-endpoint wiring.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of a completed proxied
// request. Per spec §4.11 this is emitted across the cross-product of
// {destination, __ALL__} x {cache_name, __ALL__} so dashboards can roll
// up by either dimension.
func (r *Recorder) ObserveRequest(destination, cacheName, cacheStatus string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	status := normalize(statusCodeLabel(statusCode))
	cacheStatusLabel := normalize(cacheStatus)
	for _, dest := range []string{normalize(destination), "__ALL__"} {
		for _, name := range []string{normalize(cacheName), "__ALL__"} {
			r.requests.WithLabelValues(dest, name, cacheStatusLabel, status).Inc()
			r.latency.WithLabelValues(dest, name, cacheStatusLabel).Observe(duration.Seconds())
		}
	}
}

// ObserveCacheOperation records a storage get/store/delete outcome.
func (r *Recorder) ObserveCacheOperation(destination, cacheName, operation string, result Outcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(OutcomeError)
	}
	for _, dest := range []string{normalize(destination), "__ALL__"} {
		for _, name := range []string{normalize(cacheName), "__ALL__"} {
			r.cacheOperations.WithLabelValues(dest, name, operation, resultLabel).Inc()
			r.cacheLatency.WithLabelValues(dest, name, operation, resultLabel).Observe(duration.Seconds())
		}
	}
}

// SetStorageSize publishes the current entry count for a named backend
// (the in-memory store or the in-process shim).
func (r *Recorder) SetStorageSize(backend string, count int64) {
	if r == nil {
		return
	}
	r.storageSize.WithLabelValues(normalize(backend)).Set(float64(count))
}

func statusCodeLabel(code int) string {
	if code <= 0 {
		return "unknown"
	}
	return strconv.Itoa(code)
}

func normalize(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

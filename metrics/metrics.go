// Package metrics implements the Prometheus instrumentation of the
// gateway: request serving, backend calls, backend errors and the
// circuit breaker states.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace         = "gateway"
	promProxySubsystem    = "backend"
	promServeSubsystem    = "serve"
	promBreakerSubsystem  = "breaker"
	promResponseSubsystem = "response"
)

// Options for initializing the metrics backend.
type Options struct {

	// HistogramBuckets used for duration metrics, defaults to
	// prometheus.DefBuckets.
	HistogramBuckets []float64

	// EnableRuntimeMetrics includes the Go runtime and process
	// collectors.
	EnableRuntimeMetrics bool
}

// Metrics is the Prometheus metrics backend of the gateway.
type Metrics struct {
	serveM         *prometheus.HistogramVec
	serveCounterM  *prometheus.CounterVec
	backendM       *prometheus.HistogramVec
	backendErrorsM *prometheus.CounterVec
	backend5xxM    *prometheus.CounterVec
	breakerOpenM   *prometheus.CounterVec
	breakerStateM  *prometheus.GaugeVec
	rateLimitedM   *prometheus.CounterVec
	registry       *prometheus.Registry
	handler        http.Handler
}

// New returns an initialized Prometheus metrics backend.
func New(opts Options) *Metrics {
	if len(opts.HistogramBuckets) == 0 {
		opts.HistogramBuckets = prometheus.DefBuckets
	}

	serve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promServeSubsystem,
		Name:      "route_duration_seconds",
		Help:      "Duration in seconds of serving a route.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"route"})

	serveCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promServeSubsystem,
		Name:      "route_count",
		Help:      "Total number of requests served per route.",
	}, []string{"code", "method", "route"})

	backend := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a backend call.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"service"})

	backendErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "error_total",
		Help:      "Total number of backend transport errors.",
	}, []string{"service"})

	backend5xx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "5xx_total",
		Help:      "Total number of backend 5xx responses.",
	}, []string{"service"})

	breakerOpen := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promBreakerSubsystem,
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by an open circuit breaker.",
	}, []string{"service"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promBreakerSubsystem,
		Name:      "state",
		Help:      "Circuit breaker state per service: 0 closed, 1 open, 2 half-open.",
	}, []string{"service"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promResponseSubsystem,
		Name:      "rate_limited_total",
		Help:      "Total number of rate limited requests.",
	}, []string{"route"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		serve,
		serveCounter,
		backend,
		backendErrors,
		backend5xx,
		breakerOpen,
		breakerState,
		rateLimited,
	)

	if opts.EnableRuntimeMetrics {
		registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}

	return &Metrics{
		serveM:         serve,
		serveCounterM:  serveCounter,
		backendM:       backend,
		backendErrorsM: backendErrors,
		backend5xxM:    backend5xx,
		breakerOpenM:   breakerOpen,
		breakerStateM:  breakerState,
		rateLimitedM:   rateLimited,
		registry:       registry,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
}

// MeasureServe records the duration and outcome of one handled request.
func (m *Metrics) MeasureServe(route, method string, code int, start time.Time) {
	if m == nil {
		return
	}

	m.serveM.WithLabelValues(route).Observe(time.Since(start).Seconds())
	m.serveCounterM.WithLabelValues(strconv.Itoa(code), method, route).Inc()
}

// MeasureBackend records the duration of one upstream call.
func (m *Metrics) MeasureBackend(service string, start time.Time) {
	if m == nil {
		return
	}

	m.backendM.WithLabelValues(service).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncBackendError(service string) {
	if m == nil {
		return
	}

	m.backendErrorsM.WithLabelValues(service).Inc()
}

func (m *Metrics) IncBackend5xx(service string) {
	if m == nil {
		return
	}

	m.backend5xxM.WithLabelValues(service).Inc()
}

func (m *Metrics) IncBreakerRejected(service string) {
	if m == nil {
		return
	}

	m.breakerOpenM.WithLabelValues(service).Inc()
}

// UpdateBreakerState sets the state gauge of a service: 0 closed, 1
// open, 2 half-open.
func (m *Metrics) UpdateBreakerState(service string, state int) {
	if m == nil {
		return
	}

	m.breakerStateM.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) IncRateLimited(route string) {
	if m == nil {
		return
	}

	m.rateLimitedM.WithLabelValues(route).Inc()
}

// Handler returns the handler exposing the metrics on the support
// listener.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

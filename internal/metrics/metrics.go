// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeInvalid = "invalid"
)

// Metrics holds the service collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	stageInvocations   *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	pagesTotal         *prometheus.CounterVec
	aiRequests         *prometheus.CounterVec
	triggersTotal      *prometheus.CounterVec
	rejectedTransition prometheus.Counter
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_stage_invocations_total",
				Help: "Total number of stage invocations, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_stage_duration_seconds",
				Help:    "Histogram of stage durations, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_pages_total",
				Help: "Total number of pages audited, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		aiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_ai_requests_total",
				Help: "Total number of AI critique requests, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		triggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_triggers_total",
				Help: "Total number of next-stage triggers, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		rejectedTransition: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_job_transitions_rejected_total",
				Help: "Total number of job status transitions rejected by the store.",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.stageInvocations,
			m.stageDuration,
			m.pagesTotal,
			m.aiRequests,
			m.triggersTotal,
			m.rejectedTransition,
			m.httpRequestsTotal,
			m.httpDuration,
		)
	}
	return m
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageInvocations.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePage records the outcome of one page audit.
func (m *Metrics) ObservePage(outcome string) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAI records the outcome of one AI critique request.
func (m *Metrics) ObserveAI(outcome string) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(outcome).Inc()
}

// ObserveTrigger records one next-stage dispatch.
func (m *Metrics) ObserveTrigger(stage, outcome string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveRejectedTransition counts a status change refused by the store.
func (m *Metrics) ObserveRejectedTransition() {
	if m == nil {
		return
	}
	m.rejectedTransition.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

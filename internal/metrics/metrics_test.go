package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserversUpdateCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStage("site-audit", OutcomeSuccess, 2*time.Second)
	m.ObservePage(OutcomeSuccess)
	m.ObservePage(OutcomeSuccess)
	m.ObservePage(OutcomeFailure)
	m.ObserveAI(OutcomeFailure)
	m.ObserveTrigger("generate-report", OutcomeSuccess)
	m.ObserveRejectedTransition()

	require.InDelta(t, 1, testutil.ToFloat64(m.stageInvocations.WithLabelValues("site-audit", OutcomeSuccess)), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.pagesTotal.WithLabelValues(OutcomeSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.pagesTotal.WithLabelValues(OutcomeFailure)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.aiRequests.WithLabelValues(OutcomeFailure)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.triggersTotal.WithLabelValues("generate-report", OutcomeSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.rejectedTransition), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveStage("x", OutcomeSuccess, time.Second)
		m.ObservePage(OutcomeSuccess)
		m.ObserveAI(OutcomeSuccess)
		m.ObserveTrigger("x", OutcomeFailure)
		m.ObserveRejectedTransition()
		m.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", Handler(reg))

	for _, path := range []string{"/test", "/notfound", "/test"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 2, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

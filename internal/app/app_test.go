// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/app"
	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/config"
	"github.com/JakeFAU/site-audit-pipeline/internal/notify"
	"github.com/JakeFAU/site-audit-pipeline/internal/pipeline"
)

const siteRoot = "https://site.test"

// MockFetcher mocks the audit.Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

// Fetch satisfies the audit.Fetcher interface for the mock.
func (m *MockFetcher) Fetch(ctx context.Context, req audit.FetchRequest) (audit.FetchResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(audit.FetchResponse), args.Error(1)
}

// newSiteFetcher serves a well-formed home page and 404s everything else.
func newSiteFetcher() *MockFetcher {
	page := fmt.Sprintf(`<html><head><title>%s</title><meta name="description" content="d"></head>
<body><h1>Hi</h1><p>%s</p><a href="/a">a</a><a href="/b">b</a><a href="/c">c</a></body></html>`,
		strings.Repeat("x", 40), strings.TrimSpace(strings.Repeat("word ", 600)))
	f := &MockFetcher{}
	f.On("Fetch", mock.Anything, mock.MatchedBy(func(r audit.FetchRequest) bool {
		return strings.TrimSuffix(r.URL, "/") == siteRoot
	})).Return(audit.FetchResponse{URL: siteRoot, StatusCode: http.StatusOK, Body: []byte(page)}, nil)
	f.On("Fetch", mock.Anything, mock.Anything).Return(audit.FetchResponse{StatusCode: http.StatusNotFound}, nil)
	return f
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.PublicBaseURL = ""
	cfg.DB.DSN = ""
	cfg.AI.Enabled = false
	cfg.Notify.Kind = config.NotifyNone
	cfg.Storage.Kind = config.StorageNone
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, app.WithLogger(zap.NewNop()), app.WithFetcher(newSiteFetcher()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Projects().PutProject(context.Background(), audit.Project{ID: "p1", Name: "Site", URL: siteRoot}))
	return a
}

func wait(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Supervisor().Wait(ctx))
}

func TestNewRunsPipelineInProcess(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Kind = config.StorageLocal
	cfg.Storage.LocalDir = t.TempDir()
	a := newApp(t, cfg)

	ctx := context.Background()
	res, err := a.Pipeline().Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	jobID := res["job_id"].(string)
	wait(t, a)

	job, err := a.Jobs().Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, audit.JobStatusCompleted, job.Status)

	report, err := a.Reports().GetReport(ctx, "p1", jobID)
	require.NoError(t, err)
	assert.Contains(t, report.Title, "1 pages")

	archived, err := os.ReadFile(filepath.Join(cfg.Storage.LocalDir, "reports", "p1", jobID+".json"))
	require.NoError(t, err)
	var doc pipeline.ReportDocument
	require.NoError(t, json.Unmarshal(archived, &doc))
	assert.Equal(t, 1, doc.PageCount)
}

func TestServerServesProbesAndStages(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []notify.Event
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := baseConfig(t)
	cfg.Notify.Kind = config.NotifyWebhook
	cfg.Notify.WebhookURL = hook.URL
	a := newApp(t, cfg)
	h := a.Server().Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/functions/onboarding", strings.NewReader(`{"project_id":"p1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	wait(t, a)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, pipeline.StageOnboarding, events[0].Stage)
	assert.Equal(t, notify.StatusSuccess, events[0].Status)
}

func TestNewChainsOverHTTPWhenPublicURLIsSet(t *testing.T) {
	t.Parallel()

	var handler http.Handler
	var mu sync.Mutex
	var stages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stages = append(stages, r.URL.Path)
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	cfg := baseConfig(t)
	cfg.Server.PublicBaseURL = srv.URL
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	a := newApp(t, cfg)
	handler = a.Server().Handler()

	ctx := context.Background()
	res, err := a.Pipeline().Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	wait(t, a)

	_, err = a.Reports().GetReport(ctx, "p1", res["job_id"].(string))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/functions/site-audit", "/functions/generate-report"}, stages)
}

func TestNewRejectsAIWithoutKey(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.AI.Enabled = true
	_, err := app.New(context.Background(), cfg, app.WithLogger(zap.NewNop()))
	var cfgErr *audit.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "ai.api_key", cfgErr.Key)
}

func TestSchedulerUsesConfig(t *testing.T) {
	t.Parallel()

	a := newApp(t, baseConfig(t))
	n, err := a.Scheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, a.Ready(context.Background()))
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

func TestHTTPTriggerPostsStageRequest(t *testing.T) {
	t.Parallel()

	var got audit.StageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/functions/generate-report", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	trigger, err := NewHTTPTrigger(srv.URL+"/", "secret", time.Second)
	require.NoError(t, err)
	require.NoError(t, trigger.Fire(context.Background(), StageReport, audit.StageRequest{ProjectID: "p1", JobID: "j1"}))
	assert.Equal(t, audit.StageRequest{ProjectID: "p1", JobID: "j1"}, got)
}

func TestHTTPTriggerErrors(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPTrigger("  ", "", 0)
	var cfgErr *audit.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "server.public_base_url", cfgErr.Key)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	trigger, err := NewHTTPTrigger(srv.URL, "", time.Second)
	require.NoError(t, err)
	require.ErrorContains(t, trigger.Fire(context.Background(), StageSiteAudit, audit.StageRequest{}), "status 500")
}

func TestLocalTrigger(t *testing.T) {
	t.Parallel()

	trigger := NewLocalTrigger()
	require.Error(t, trigger.Fire(context.Background(), "nope", audit.StageRequest{}))

	boom := errors.New("boom")
	var seen audit.StageRequest
	trigger.Register(map[string]StageFunc{
		"ok": func(_ context.Context, req audit.StageRequest) (map[string]any, error) {
			seen = req
			return nil, nil
		},
		"bad": func(context.Context, audit.StageRequest) (map[string]any, error) {
			return nil, boom
		},
	})
	require.NoError(t, trigger.Fire(context.Background(), "ok", audit.StageRequest{ProjectID: "p1"}))
	assert.Equal(t, "p1", seen.ProjectID)
	require.ErrorIs(t, trigger.Fire(context.Background(), "bad", audit.StageRequest{}), boom)
}

func TestLocalTriggerRunsWholePipeline(t *testing.T) {
	t.Parallel()

	local := NewLocalTrigger()
	h := newHarness(t, withTrigger(local))
	local.Register(h.p.Stages())
	urls := h.serveSitemap("/", "/about")
	for _, u := range urls {
		h.fetcher.set(u, fakePage{body: goodPage()})
	}

	ctx := context.Background()
	res, err := h.p.Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	jobID := res["job_id"].(string)
	h.drain(t)

	auditJob := h.job(t, jobID)
	assert.Equal(t, audit.JobStatusCompleted, auditJob.Status)
	assert.Nil(t, auditJob.NextStage)

	report, err := h.reports.GetReport(ctx, "p1", jobID)
	require.NoError(t, err)
	assert.Equal(t, reportType, report.ReportType)

	reportJob := h.job(t, h.p.deps.IDs.DeriveID(jobID, StageReport))
	assert.Equal(t, audit.JobStatusCompleted, reportJob.Status)
	assert.Nil(t, reportJob.NextStage)
}

func TestLocalTriggerOutlivesSupervisorDeadline(t *testing.T) {
	t.Parallel()

	local := NewLocalTrigger()
	h := newHarness(t, withTrigger(local), withSupervisorTimeout(100*time.Millisecond))
	local.Register(h.p.Stages())
	paths := make([]string, 20)
	for i := range paths {
		paths[i] = fmt.Sprintf("/page-%d", i)
	}
	for _, u := range h.serveSitemap(paths...) {
		h.fetcher.set(u, fakePage{body: goodPage()})
	}
	h.fetcher.delay = 60 * time.Millisecond

	ctx := context.Background()
	res, err := h.p.Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	jobID := res["job_id"].(string)
	h.drain(t)

	assert.Equal(t, audit.JobStatusCompleted, h.job(t, jobID).Status)
	state, ok, err := h.jobs.State(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, audit.BatchProgress{Processed: 20, Total: 20, Succeeded: 20}, state.Progress)
	_, err = h.reports.GetReport(ctx, "p1", jobID)
	require.NoError(t, err)
}

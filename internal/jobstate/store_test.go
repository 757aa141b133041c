package jobstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/clock"
	"github.com/JakeFAU/site-audit-pipeline/internal/id/uuid"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/memory"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *memory.JobStore, *clock.Manual, *observer.ObservedLogs, *prometheus.Registry) {
	t.Helper()
	repo := memory.NewJobStore()
	clk := clock.NewManual(start)
	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	return New(repo, clk, uuid.New(), zap.New(core), metrics.New(reg)), repo, clk, logs, reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			var total float64
			for _, m := range f.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestCreateOrGetJobIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _, clk, _, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusQueued, first.Status)

	clk.Advance(time.Minute)
	second, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestUpdateStatusStampsTimestampsOnce(t *testing.T) {
	t.Parallel()

	store, _, clk, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)

	clk.Advance(time.Second)
	store.UpdateStatus(ctx, "j1", audit.JobStatusProcessing, "")
	clk.Advance(time.Second)
	store.UpdateStatus(ctx, "j1", audit.JobStatusProcessing, "")
	clk.Advance(time.Second)
	store.UpdateStatus(ctx, "j1", audit.JobStatusPartial, "")

	job, err := store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusPartial, job.Status)
	require.Equal(t, start.Add(time.Second), *job.StartedAt)
	require.Equal(t, start.Add(3*time.Second), *job.CompletedAt)
	require.Empty(t, job.ErrorMessage)
}

func TestUpdateStatusWithErrorRecordsMessageOnly(t *testing.T) {
	t.Parallel()

	store, _, _, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)

	store.UpdateStatus(ctx, "j1", audit.JobStatusFailed, "project not found")

	job, err := store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusFailed, job.Status)
	require.Equal(t, "project not found", job.ErrorMessage)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
}

func TestUpdateStatusRejectsTerminalToProcessing(t *testing.T) {
	t.Parallel()

	store, _, _, logs, reg := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)
	store.UpdateStatus(ctx, "j1", audit.JobStatusProcessing, "")
	store.UpdateStatus(ctx, "j1", audit.JobStatusCompleted, "")

	require.NotPanics(t, func() {
		store.UpdateStatus(ctx, "j1", audit.JobStatusProcessing, "")
	})

	job, err := store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusCompleted, job.Status)
	require.Equal(t, 1, logs.FilterMessage("job status transition rejected").Len())
	require.InDelta(t, 1, counterValue(t, reg, "audit_job_transitions_rejected_total"), 0)
}

func TestCheckpointAndState(t *testing.T) {
	t.Parallel()

	store, _, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.State(ctx, "j1")
	require.NoError(t, err)
	require.False(t, ok)

	progress := audit.BatchProgress{Processed: 5, Total: 12, Succeeded: 4, Failed: 1}
	store.Checkpoint(ctx, "j1", "5", progress)

	state, ok, err := store.State(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", state.Cursor)
	require.Equal(t, progress, state.Progress)
	require.Equal(t, start, state.UpdatedAt)
}

func TestLogPersistsAndMirrors(t *testing.T) {
	t.Parallel()

	store, _, _, logs, _ := newTestStore(t)
	ctx := context.Background()

	store.Log(ctx, "j1", "site-audit", audit.LogLevelWarn, "fetch failed", map[string]any{"url": "https://a"})
	store.Log(ctx, "j1", "site-audit", audit.LogLevelError, "upsert failed", nil)

	entries, err := store.Logs(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, audit.LogLevelWarn, entries[0].Level)
	require.Equal(t, "https://a", entries[0].Meta["url"])
	require.NotEmpty(t, entries[0].ID)
	require.NotEqual(t, entries[0].ID, entries[1].ID)

	mirrored := logs.FilterMessage("fetch failed").All()
	require.Len(t, mirrored, 1)
	require.Equal(t, zapcore.WarnLevel, mirrored[0].Level)
	require.Equal(t, zapcore.ErrorLevel, logs.FilterMessage("upsert failed").All()[0].Level)
}

func TestStagePointerLifecycle(t *testing.T) {
	t.Parallel()

	store, _, clk, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateOrGetJob(ctx, "j1", "p1", "site-audit")
	require.NoError(t, err)

	req := audit.StageRequest{ProjectID: "p1", JobID: "j1"}
	require.NoError(t, store.SetNextStage(ctx, "j1", "generate-report", req))

	stale, err := store.StalePointers(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	clk.Advance(2 * time.Minute)
	stale, err = store.StalePointers(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	ptr, err := store.RetryNextStage(ctx, stale[0])
	require.NoError(t, err)
	require.Equal(t, 1, ptr.Attempts)
	require.Equal(t, req, ptr.Request)

	store.AckNextStage(ctx, "j1", "ai-enrichment")
	job, _ := store.Job(ctx, "j1")
	require.NotNil(t, job.NextStage)

	store.AckNextStage(ctx, "j1", "generate-report")
	store.AckNextStage(ctx, "", "generate-report")
	job, _ = store.Job(ctx, "j1")
	require.Nil(t, job.NextStage)

	_, err = store.RetryNextStage(ctx, job)
	require.Error(t, err)
}

type failingRepo struct {
	audit.JobRepository
}

func (failingRepo) UpdateJobStatus(context.Context, string, audit.StatusUpdate) (audit.Job, error) {
	return audit.Job{}, errors.New("db down")
}

func (failingRepo) UpsertState(context.Context, audit.JobState) error {
	return errors.New("db down")
}

func (failingRepo) AppendLog(context.Context, audit.LogEntry) error {
	return errors.New("db down")
}

func (failingRepo) GetState(context.Context, string) (audit.JobState, error) {
	return audit.JobState{}, errors.New("db down")
}

func TestBestEffortWritesSwallowErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	store := New(failingRepo{}, clock.NewManual(start), uuid.New(), zap.New(core), nil)
	ctx := context.Background()

	require.NotPanics(t, func() {
		store.UpdateStatus(ctx, "j1", audit.JobStatusProcessing, "")
		store.Checkpoint(ctx, "j1", "0", audit.BatchProgress{})
		store.Log(ctx, "j1", "site-audit", audit.LogLevelInfo, "hello", nil)
	})
	require.Equal(t, 1, logs.FilterMessage("failed to update job status").Len())
	require.Equal(t, 1, logs.FilterMessage("failed to checkpoint job").Len())
	require.Equal(t, 1, logs.FilterMessage("failed to write execution log").Len())

	_, _, err := store.State(ctx, "j1")
	require.Error(t, err)
}

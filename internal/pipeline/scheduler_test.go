package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

func TestSchedulerRefiresStalePointer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.trigger.err = errors.New("dropped")
	ctx := context.Background()

	res, err := h.p.Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	jobID := res["job_id"].(string)
	h.drain(t)
	require.Len(t, h.trigger.all(), 1)

	sched := h.p.Scheduler(SchedulerConfig{StaleAfter: time.Minute, MaxAttempts: 2})

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh pointers are left alone")

	h.clock.Advance(2 * time.Minute)
	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	fired := h.trigger.all()
	require.Len(t, fired, 2)
	assert.Equal(t, StageSiteAudit, fired[1].stage)
	assert.Equal(t, jobID, fired[1].req.JobID)

	job := h.job(t, jobID)
	require.NotNil(t, job.NextStage)
	assert.Equal(t, 1, job.NextStage.Attempts)
	assert.Equal(t, h.clock.Now(), job.NextStage.At)
}

func TestSchedulerAbandonsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.trigger.err = errors.New("dropped")
	ctx := context.Background()

	res, err := h.p.Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	jobID := res["job_id"].(string)

	sched := h.p.Scheduler(SchedulerConfig{StaleAfter: time.Minute, MaxAttempts: 1})
	h.clock.Advance(2 * time.Minute)
	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clock.Advance(2 * time.Minute)
	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	h.drain(t)

	assert.Nil(t, h.job(t, jobID).NextStage)
	logs, err := h.jobs.Logs(ctx, jobID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, audit.LogLevelError, last.Level)
	assert.Equal(t, "stage hand-off abandoned", last.Message)
}

func TestSchedulerAckedPointerIsNotRefired(t *testing.T) {
	t.Parallel()

	local := NewLocalTrigger()
	h := newHarness(t, withTrigger(local))
	local.Register(h.p.Stages())
	h.fetcher.set(siteRoot, fakePage{body: goodPage()})
	ctx := context.Background()

	_, err := h.p.Onboard(ctx, audit.StageRequest{ProjectID: "p1"})
	require.NoError(t, err)
	h.drain(t)

	h.clock.Advance(time.Hour)
	n, err := h.p.Scheduler(SchedulerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Scheduler(SchedulerConfig{Interval: time.Millisecond}).Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := audit.Job{ID: "job-1", ProjectID: "p1", Stage: "site-audit", Status: audit.JobStatusQueued, CreatedAt: now}

	if _, created, err := store.CreateJob(ctx, job); err != nil || !created {
		t.Fatalf("CreateJob() created=%v err=%v", created, err)
	}
	if _, created, err := store.CreateJob(ctx, job); err != nil || created {
		t.Fatalf("duplicate CreateJob() created=%v err=%v", created, err)
	}

	started := now.Add(time.Second)
	if _, err := store.UpdateJobStatus(ctx, job.ID, audit.StatusUpdate{Status: audit.JobStatusProcessing, StartedAt: &started, At: started}); err != nil {
		t.Fatalf("UpdateJobStatus processing error = %v", err)
	}
	later := now.Add(time.Minute)
	if _, err := store.UpdateJobStatus(ctx, job.ID, audit.StatusUpdate{Status: audit.JobStatusProcessing, StartedAt: &later, At: later}); err != nil {
		t.Fatalf("UpdateJobStatus processing again error = %v", err)
	}
	done := now.Add(2 * time.Minute)
	final, err := store.UpdateJobStatus(ctx, job.ID, audit.StatusUpdate{Status: audit.JobStatusCompleted, CompletedAt: &done, At: done})
	if err != nil {
		t.Fatalf("UpdateJobStatus completed error = %v", err)
	}
	if final.StartedAt == nil || !final.StartedAt.Equal(started) {
		t.Fatalf("expected first started_at to stick, got %v", final.StartedAt)
	}
	if final.CompletedAt == nil || !final.CompletedAt.Equal(done) {
		t.Fatalf("expected completed_at, got %v", final.CompletedAt)
	}

	_, err = store.UpdateJobStatus(ctx, job.ID, audit.StatusUpdate{Status: audit.JobStatusProcessing, At: done})
	if !errors.Is(err, audit.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != audit.JobStatusCompleted {
		t.Fatalf("rejected transition must not change status, got %s", got.Status)
	}

	got.StartedAt = nil
	again, _ := store.GetJob(ctx, job.ID)
	if again.StartedAt == nil {
		t.Fatal("expected GetJob to return a copy")
	}
}

func TestJobStoreMissingJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "nope"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("GetJob() expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateJobStatus(ctx, "nope", audit.StatusUpdate{Status: audit.JobStatusFailed}); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("UpdateJobStatus() expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetState(ctx, "nope"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("GetState() expected ErrNotFound, got %v", err)
	}
}

func TestJobStorePointers(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if _, _, err := store.CreateJob(ctx, audit.Job{ID: id, Status: audit.JobStatusQueued}); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
		ptr := &audit.StagePointer{Stage: "generate-report", At: base.Add(time.Duration(i) * time.Minute)}
		if err := store.SetNextStage(ctx, id, ptr); err != nil {
			t.Fatalf("SetNextStage(%s) error = %v", id, err)
		}
	}

	stale, err := store.ListStalePointers(ctx, base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("ListStalePointers() error = %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "a" || stale[1].ID != "b" {
		t.Fatalf("unexpected stale jobs %+v", stale)
	}

	if err := store.ClearNextStage(ctx, "a", "site-audit"); err != nil {
		t.Fatalf("ClearNextStage() error = %v", err)
	}
	a, _ := store.GetJob(ctx, "a")
	if a.NextStage == nil {
		t.Fatal("clearing a different stage must keep the pointer")
	}
	if err := store.ClearNextStage(ctx, "a", "generate-report"); err != nil {
		t.Fatalf("ClearNextStage() error = %v", err)
	}
	if err := store.SetNextStage(ctx, "b", nil); err != nil {
		t.Fatalf("SetNextStage(nil) error = %v", err)
	}
	stale, _ = store.ListStalePointers(ctx, base.Add(time.Hour), 0)
	if len(stale) != 1 || stale[0].ID != "c" {
		t.Fatalf("unexpected stale jobs after clear %+v", stale)
	}
}

func TestJobStoreStateAndLogs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	state := audit.JobState{JobID: "j", Cursor: "5", Progress: audit.BatchProgress{Processed: 5, Total: 12, Succeeded: 4, Failed: 1}}
	if err := store.UpsertState(ctx, state); err != nil {
		t.Fatalf("UpsertState() error = %v", err)
	}
	state.Cursor = "10"
	if err := store.UpsertState(ctx, state); err != nil {
		t.Fatalf("UpsertState() error = %v", err)
	}
	got, err := store.GetState(ctx, "j")
	if err != nil || got.Cursor != "10" {
		t.Fatalf("GetState() = %+v, %v", got, err)
	}

	for _, msg := range []string{"first", "second"} {
		if err := store.AppendLog(ctx, audit.LogEntry{JobID: "j", Message: msg, Level: audit.LogLevelInfo}); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}
	logs, _ := store.ListLogs(ctx, "j")
	if len(logs) != 2 || logs[0].Message != "first" || logs[1].Message != "second" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

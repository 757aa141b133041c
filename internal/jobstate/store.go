// Package jobstate records job lifecycle, checkpoints, execution logs, and
// pending stage transitions on top of an audit.JobRepository.
//
// Writes that only report progress (status changes, checkpoints, log
// entries) are best-effort: a persistence failure is logged and swallowed so
// that it never aborts the stage doing the work.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
)

// Store wraps a JobRepository with the pipeline's status rules.
type Store struct {
	repo    audit.JobRepository
	clock   audit.Clock
	ids     audit.IDGenerator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Store. logger and m may be nil.
func New(repo audit.JobRepository, clock audit.Clock, ids audit.IDGenerator, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:    repo,
		clock:   clock,
		ids:     ids,
		logger:  logger.Named("jobstate"),
		metrics: m,
	}
}

// CreateOrGetJob returns the job with id, inserting it as queued when missing.
func (s *Store) CreateOrGetJob(ctx context.Context, id, projectID, stage string) (audit.Job, error) {
	now := s.clock.Now()
	job, created, err := s.repo.CreateJob(ctx, audit.Job{
		ID:        id,
		ProjectID: projectID,
		Stage:     stage,
		Status:    audit.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return audit.Job{}, fmt.Errorf("create job %s: %w", id, err)
	}
	if created {
		s.logger.Debug("job created", zap.String("job_id", id), zap.String("project_id", projectID), zap.String("stage", stage))
	}
	return job, nil
}

// Job returns the job with id.
func (s *Store) Job(ctx context.Context, id string) (audit.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return audit.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateStatus moves a job to status. started_at is stamped on the first
// successful move to processing and completed_at on the first successful
// terminal status; errMsg, when set, is always recorded. Failures are logged
// and never returned.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status audit.JobStatus, errMsg string) {
	now := s.clock.Now()
	update := audit.StatusUpdate{Status: status, ErrorMessage: errMsg, At: now}
	if errMsg == "" {
		if status == audit.JobStatusProcessing {
			update.StartedAt = &now
		}
		if status.Terminal() {
			update.CompletedAt = &now
		}
	}

	logger := s.logger.With(zap.String("job_id", jobID), zap.String("status", string(status)))
	_, err := s.repo.UpdateJobStatus(ctx, jobID, update)
	switch {
	case err == nil:
		logger.Debug("job status updated")
	case errors.Is(err, audit.ErrInvalidTransition):
		s.metrics.ObserveRejectedTransition()
		logger.Warn("job status transition rejected", zap.Error(err))
	default:
		logger.Error("failed to update job status", zap.Error(err))
	}
}

// Checkpoint records the resumable cursor and progress for a job.
func (s *Store) Checkpoint(ctx context.Context, jobID, cursor string, progress audit.BatchProgress) {
	err := s.repo.UpsertState(ctx, audit.JobState{
		JobID:     jobID,
		Cursor:    cursor,
		Progress:  progress,
		UpdatedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("failed to checkpoint job", zap.String("job_id", jobID), zap.String("cursor", cursor), zap.Error(err))
	}
}

// State returns the checkpoint for a job. ok is false when none exists.
func (s *Store) State(ctx context.Context, jobID string) (audit.JobState, bool, error) {
	state, err := s.repo.GetState(ctx, jobID)
	if errors.Is(err, audit.ErrNotFound) {
		return audit.JobState{}, false, nil
	}
	if err != nil {
		return audit.JobState{}, false, fmt.Errorf("get job state: %w", err)
	}
	return state, true, nil
}

// Log appends an execution log entry and mirrors it to zap.
func (s *Store) Log(ctx context.Context, jobID, functionName string, level audit.LogLevel, message string, meta map[string]any) {
	fields := []zap.Field{zap.String("job_id", jobID), zap.String("function", functionName)}
	if len(meta) > 0 {
		fields = append(fields, zap.Any("meta", meta))
	}
	switch level {
	case audit.LogLevelError:
		s.logger.Error(message, fields...)
	case audit.LogLevelWarn:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Info(message, fields...)
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("failed to allocate log id", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	err = s.repo.AppendLog(ctx, audit.LogEntry{
		ID:           id,
		JobID:        jobID,
		FunctionName: functionName,
		Level:        level,
		Message:      message,
		Meta:         meta,
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("failed to write execution log", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Logs returns a job's execution log.
func (s *Store) Logs(ctx context.Context, jobID string) ([]audit.LogEntry, error) {
	logs, err := s.repo.ListLogs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

// SetNextStage records that jobID is about to hand req to stage.
func (s *Store) SetNextStage(ctx context.Context, jobID, stage string, req audit.StageRequest) error {
	ptr := &audit.StagePointer{Stage: stage, Request: req, At: s.clock.Now()}
	if err := s.repo.SetNextStage(ctx, jobID, ptr); err != nil {
		return fmt.Errorf("set next stage %s: %w", stage, err)
	}
	return nil
}

// RetryNextStage bumps the attempt count of an existing pointer and resets
// its timestamp.
func (s *Store) RetryNextStage(ctx context.Context, job audit.Job) (audit.StagePointer, error) {
	if job.NextStage == nil {
		return audit.StagePointer{}, fmt.Errorf("job %s has no pending stage", job.ID)
	}
	ptr := *job.NextStage
	ptr.Attempts++
	ptr.At = s.clock.Now()
	if err := s.repo.SetNextStage(ctx, job.ID, &ptr); err != nil {
		return audit.StagePointer{}, fmt.Errorf("retry next stage %s: %w", ptr.Stage, err)
	}
	return ptr, nil
}

// AckNextStage clears parentJobID's pointer once stage has picked it up.
// An empty parent is ignored; failures are logged.
func (s *Store) AckNextStage(ctx context.Context, parentJobID, stage string) {
	if parentJobID == "" {
		return
	}
	if err := s.repo.ClearNextStage(ctx, parentJobID, stage); err != nil && !errors.Is(err, audit.ErrNotFound) {
		s.logger.Warn("failed to ack stage pointer", zap.String("job_id", parentJobID), zap.String("stage", stage), zap.Error(err))
	}
}

// StalePointers returns jobs whose pending stage was recorded more than
// olderThan ago.
func (s *Store) StalePointers(ctx context.Context, olderThan time.Duration, limit int) ([]audit.Job, error) {
	jobs, err := s.repo.ListStalePointers(ctx, s.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pointers: %w", err)
	}
	return jobs, nil
}

// DropNextStage clears the pointer unconditionally.
func (s *Store) DropNextStage(ctx context.Context, jobID string) error {
	if err := s.repo.SetNextStage(ctx, jobID, nil); err != nil {
		return fmt.Errorf("drop next stage: %w", err)
	}
	return nil
}

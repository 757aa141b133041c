// Package memory provides mutex-guarded in-memory repositories for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// JobStore implements audit.JobRepository in memory.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]audit.Job
	states map[string]audit.JobState
	logs   map[string][]audit.LogEntry
}

var _ audit.JobRepository = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]audit.Job),
		states: make(map[string]audit.JobState),
		logs:   make(map[string][]audit.LogEntry),
	}
}

// CreateJob stores job unless its ID is already taken.
func (s *JobStore) CreateJob(_ context.Context, job audit.Job) (audit.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok {
		return cloneJob(existing), false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (audit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, fmt.Errorf("job %s: %w", jobID, audit.ErrNotFound)
	}
	return cloneJob(job), nil
}

// UpdateJobStatus applies update when the transition is allowed.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, update audit.StatusUpdate) (audit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, fmt.Errorf("job %s: %w", jobID, audit.ErrNotFound)
	}
	if !audit.CanTransition(job.Status, update.Status) {
		return cloneJob(job), fmt.Errorf("job %s %s -> %s: %w", jobID, job.Status, update.Status, audit.ErrInvalidTransition)
	}
	job.Status = update.Status
	if update.ErrorMessage != "" {
		job.ErrorMessage = update.ErrorMessage
	}
	if job.StartedAt == nil && update.StartedAt != nil {
		job.StartedAt = pointerTime(*update.StartedAt)
	}
	if job.CompletedAt == nil && update.CompletedAt != nil {
		job.CompletedAt = pointerTime(*update.CompletedAt)
	}
	job.UpdatedAt = update.At
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// SetNextStage records or clears the job's stage pointer.
func (s *JobStore) SetNextStage(_ context.Context, jobID string, ptr *audit.StagePointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, audit.ErrNotFound)
	}
	if ptr == nil {
		job.NextStage = nil
	} else {
		p := *ptr
		job.NextStage = &p
	}
	s.jobs[jobID] = job
	return nil
}

// ClearNextStage clears the pointer when it still names stage.
func (s *JobStore) ClearNextStage(_ context.Context, jobID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, audit.ErrNotFound)
	}
	if job.NextStage != nil && job.NextStage.Stage == stage {
		job.NextStage = nil
		s.jobs[jobID] = job
	}
	return nil
}

// ListStalePointers returns jobs whose pointer predates cutoff, oldest first.
func (s *JobStore) ListStalePointers(_ context.Context, cutoff time.Time, limit int) ([]audit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Job
	for _, job := range s.jobs {
		if job.NextStage != nil && job.NextStage.At.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextStage.At.Before(out[j].NextStage.At)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertState replaces the checkpoint for state.JobID.
func (s *JobStore) UpsertState(_ context.Context, state audit.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.JobID] = state
	return nil
}

// GetState returns the checkpoint for a job.
func (s *JobStore) GetState(_ context.Context, jobID string) (audit.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[jobID]
	if !ok {
		return audit.JobState{}, fmt.Errorf("job state %s: %w", jobID, audit.ErrNotFound)
	}
	return state, nil
}

// AppendLog appends entry to the job's execution log.
func (s *JobStore) AppendLog(_ context.Context, entry audit.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

// ListLogs returns a copy of the job's execution log in append order.
func (s *JobStore) ListLogs(_ context.Context, jobID string) ([]audit.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs[jobID]
	out := make([]audit.LogEntry, len(logs))
	copy(out, logs)
	return out, nil
}

func cloneJob(job audit.Job) audit.Job {
	if job.StartedAt != nil {
		job.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		job.CompletedAt = pointerTime(*job.CompletedAt)
	}
	if job.NextStage != nil {
		p := *job.NextStage
		job.NextStage = &p
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

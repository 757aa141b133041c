package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const defaultStaleLimit = 100

const jobColumns = `id, project_id, stage, status, started_at, completed_at,
	COALESCE(error_message, ''), COALESCE(next_stage, ''), next_stage_payload,
	next_stage_at, next_stage_attempts, created_at, updated_at`

// CreateJob inserts job unless its ID already exists.
func (s *Store) CreateJob(ctx context.Context, job audit.Job) (audit.Job, bool, error) {
	query := `
INSERT INTO jobs (id, project_id, stage, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING;`
	tag, err := s.pool.Exec(ctx, query, job.ID, job.ProjectID, job.Stage, string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return audit.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}
	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return audit.Job{}, false, err
	}
	return existing, false, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (audit.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return audit.Job{}, notFound(err, "job "+jobID)
	}
	return job, nil
}

// UpdateJobStatus applies update only when the stored status is one that
// audit.AllowedFrom permits. Timestamps already set are kept.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, update audit.StatusUpdate) (audit.Job, error) {
	allowed := make([]string, 0, 3)
	for _, st := range audit.AllowedFrom(update.Status) {
		allowed = append(allowed, string(st))
	}
	query := `
UPDATE jobs
SET status = $2,
	error_message = COALESCE(NULLIF($3::text, ''), error_message),
	started_at = COALESCE(started_at, $4),
	completed_at = COALESCE(completed_at, $5),
	updated_at = $6
WHERE id = $1 AND status = ANY($7)
RETURNING ` + jobColumns + `;`
	row := s.pool.QueryRow(ctx, query,
		jobID,
		string(update.Status),
		update.ErrorMessage,
		update.StartedAt,
		update.CompletedAt,
		update.At,
		allowed,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return audit.Job{}, fmt.Errorf("update job status: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return audit.Job{}, getErr
	}
	return current, fmt.Errorf("job %s %s -> %s: %w", jobID, current.Status, update.Status, audit.ErrInvalidTransition)
}

// SetNextStage records ptr on the job, or clears the pointer when ptr is nil.
func (s *Store) SetNextStage(ctx context.Context, jobID string, ptr *audit.StagePointer) error {
	var (
		stage    *string
		payload  []byte
		at       *time.Time
		attempts int
	)
	if ptr != nil {
		b, err := json.Marshal(ptr.Request)
		if err != nil {
			return fmt.Errorf("marshal stage payload: %w", err)
		}
		stage, payload, at, attempts = &ptr.Stage, b, &ptr.At, ptr.Attempts
	}
	query := `
UPDATE jobs
SET next_stage = $2, next_stage_payload = $3, next_stage_at = $4, next_stage_attempts = $5
WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, jobID, stage, payload, at, attempts)
	if err != nil {
		return fmt.Errorf("set next stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, audit.ErrNotFound)
	}
	return nil
}

// ClearNextStage clears the pointer only while it still names stage.
func (s *Store) ClearNextStage(ctx context.Context, jobID, stage string) error {
	query := `
UPDATE jobs
SET next_stage = NULL, next_stage_payload = NULL, next_stage_at = NULL, next_stage_attempts = 0
WHERE id = $1 AND next_stage = $2;`
	if _, err := s.pool.Exec(ctx, query, jobID, stage); err != nil {
		return fmt.Errorf("clear next stage: %w", err)
	}
	return nil
}

// ListStalePointers returns jobs whose pointer predates cutoff, oldest first.
func (s *Store) ListStalePointers(ctx context.Context, cutoff time.Time, limit int) ([]audit.Job, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
WHERE next_stage IS NOT NULL AND next_stage_at < $1
ORDER BY next_stage_at
LIMIT $2;`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pointers: %w", err)
	}
	defer rows.Close()
	var out []audit.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpsertState replaces the checkpoint for state.JobID.
func (s *Store) UpsertState(ctx context.Context, state audit.JobState) error {
	progress, err := json.Marshal(state.Progress)
	if err != nil {
		return fmt.Errorf("marshal batch progress: %w", err)
	}
	query := `
INSERT INTO job_states (job_id, cursor, batch_progress, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE
SET cursor = EXCLUDED.cursor, batch_progress = EXCLUDED.batch_progress, updated_at = EXCLUDED.updated_at;`
	if _, err := s.pool.Exec(ctx, query, state.JobID, state.Cursor, progress, state.UpdatedAt); err != nil {
		return fmt.Errorf("upsert job state: %w", err)
	}
	return nil
}

// GetState returns the checkpoint for a job.
func (s *Store) GetState(ctx context.Context, jobID string) (audit.JobState, error) {
	var (
		state    audit.JobState
		progress []byte
	)
	row := s.pool.QueryRow(ctx, `SELECT job_id, cursor, batch_progress, updated_at FROM job_states WHERE job_id = $1;`, jobID)
	if err := row.Scan(&state.JobID, &state.Cursor, &progress, &state.UpdatedAt); err != nil {
		return audit.JobState{}, notFound(err, "job state "+jobID)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &state.Progress); err != nil {
			return audit.JobState{}, fmt.Errorf("decode batch progress: %w", err)
		}
	}
	return state, nil
}

// AppendLog inserts one execution log row.
func (s *Store) AppendLog(ctx context.Context, entry audit.LogEntry) error {
	var meta []byte
	if len(entry.Meta) > 0 {
		b, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("marshal log meta: %w", err)
		}
		meta = b
	}
	query := `
INSERT INTO execution_logs (id, job_id, function_name, level, message, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.JobID, entry.FunctionName, string(entry.Level), entry.Message, meta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListLogs returns a job's log entries in creation order.
func (s *Store) ListLogs(ctx context.Context, jobID string) ([]audit.LogEntry, error) {
	query := `
SELECT id, job_id, function_name, level, message, meta, created_at
FROM execution_logs WHERE job_id = $1
ORDER BY created_at, id;`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()
	out := []audit.LogEntry{}
	for rows.Next() {
		var (
			entry audit.LogEntry
			level string
			meta  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.FunctionName, &level, &entry.Message, &meta, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.Level = audit.LogLevel(level)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return nil, fmt.Errorf("decode log meta: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return out, nil
}

func scanJob(row rowScanner) (audit.Job, error) {
	var (
		job       audit.Job
		status    string
		nextStage string
		payload   []byte
		nextAt    *time.Time
		attempts  int
	)
	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.Stage,
		&status,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&nextStage,
		&payload,
		&nextAt,
		&attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return audit.Job{}, err
	}
	job.Status = audit.JobStatus(status)
	if nextStage != "" {
		ptr := &audit.StagePointer{Stage: nextStage, Attempts: attempts}
		if nextAt != nil {
			ptr.At = *nextAt
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ptr.Request); err != nil {
				return audit.Job{}, fmt.Errorf("decode stage payload: %w", err)
			}
		}
		job.NextStage = ptr
	}
	return job, nil
}

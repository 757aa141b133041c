package audit

import (
	"context"
	"io"
	"time"
)

// JobRepository persists jobs, their checkpoints, and execution logs.
type JobRepository interface {
	// CreateJob inserts job when no row with its ID exists. It returns the
	// stored job and whether it was created by this call.
	CreateJob(ctx context.Context, job Job) (Job, bool, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJobStatus applies update, rejecting transitions that AllowedFrom
	// forbids with ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, jobID string, update StatusUpdate) (Job, error)
	// SetNextStage records ptr on the job; a nil ptr clears it.
	SetNextStage(ctx context.Context, jobID string, ptr *StagePointer) error
	// ClearNextStage clears the pointer only when it names stage.
	ClearNextStage(ctx context.Context, jobID string, stage string) error
	// ListStalePointers returns jobs whose pointer was written before cutoff.
	ListStalePointers(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	UpsertState(ctx context.Context, state JobState) error
	GetState(ctx context.Context, jobID string) (JobState, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, jobID string) ([]LogEntry, error)
}

// PageRepository persists page audits keyed by (project_id, url).
type PageRepository interface {
	UpsertPage(ctx context.Context, page PageRecord) error
	GetPage(ctx context.Context, projectID, url string) (PageRecord, error)
	ListPages(ctx context.Context, projectID string) ([]PageRecord, error)
}

// ReportRepository persists generated reports.
type ReportRepository interface {
	// InsertReport stores report unless one already exists for its
	// (project_id, job_id); created is false in that case.
	InsertReport(ctx context.Context, report Report) (created bool, err error)
	GetReport(ctx context.Context, projectID, jobID string) (Report, error)
}

// ProjectRepository loads the projects the stages audit.
type ProjectRepository interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
	PutProject(ctx context.Context, project Project) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ReportArchive writes report documents and returns their URI.
type ReportArchive interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and log identifiers.
type IDGenerator interface {
	NewID() (string, error)
	// DeriveID returns a stable identifier for name scoped under parent.
	DeriveID(parent, name string) string
}

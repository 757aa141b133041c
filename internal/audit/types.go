// Package audit defines the domain model shared by the site-audit pipeline:
// jobs and their resumable state, execution logs, audited pages, reports, and
// the collaborator interfaces each stage depends on.
package audit

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus enumerates the lifecycle of a pipeline job.
type JobStatus string

// Job status values.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPartial    JobStatus = "partial"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further processing may happen under this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusPartial, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// AllowedFrom lists the statuses a job may hold immediately before moving to s.
// Re-marking a status is allowed so repeated updates stay idempotent; a
// terminal status never leads back to queued or processing.
func AllowedFrom(s JobStatus) []JobStatus {
	switch s {
	case JobStatusQueued:
		return []JobStatus{JobStatusQueued}
	case JobStatusProcessing:
		return []JobStatus{JobStatusQueued, JobStatusProcessing}
	case JobStatusCompleted:
		return []JobStatus{JobStatusProcessing, JobStatusCompleted}
	case JobStatusPartial:
		return []JobStatus{JobStatusProcessing, JobStatusPartial}
	case JobStatusFailed:
		return []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusFailed}
	default:
		return nil
	}
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to JobStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// StageRequest is the payload every stage accepts. Recognized fields vary per
// stage but project_id is always present.
type StageRequest struct {
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

// StagePointer is the durable record of a pending stage transition. The
// sending stage writes it before firing the trigger and the receiving stage
// clears it, so a dropped trigger can be detected and re-fired.
type StagePointer struct {
	Stage    string       `json:"stage"`
	Request  StageRequest `json:"request"`
	At       time.Time    `json:"at"`
	Attempts int          `json:"attempts"`
}

// Job tracks one unit of long-running pipeline work.
type Job struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Stage        string        `json:"stage"`
	Status       JobStatus     `json:"status"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	NextStage    *StagePointer `json:"next_stage,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StatusUpdate describes one status mutation. StartedAt and CompletedAt are
// only applied when the stored job has no value yet.
type StatusUpdate struct {
	Status       JobStatus
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	At           time.Time
}

// BatchProgress counts page outcomes for a job.
type BatchProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// JobState is the resumable checkpoint for a job. Cursor semantics belong to
// the stage that writes it.
type JobState struct {
	JobID     string        `json:"job_id"`
	Cursor    string        `json:"cursor"`
	Progress  BatchProgress `json:"batch_progress"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

// Execution log levels.
const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one append-only execution log row.
type LogEntry struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	FunctionName string         `json:"function_name"`
	Level        LogLevel       `json:"level"`
	Message      string         `json:"message"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PageFacts are the structured facts extracted from a page's HTML.
type PageFacts struct {
	Title           string   `json:"title"`
	MetaDescription string   `json:"meta_description"`
	H1              string   `json:"h1"`
	H2s             []string `json:"h2s"`
	WordCount       int      `json:"word_count"`
	InternalLinks   int      `json:"internal_links"`
	ExternalLinks   int      `json:"external_links"`
}

// Score is the deterministic scoring outcome for a page.
type Score struct {
	TechnicalScore int      `json:"technical_score"`
	ContentScore   int      `json:"content_score"`
	SEOScore       int      `json:"seo_score"`
	Issues         []string `json:"issues"`
}

// AIStatus tracks the AI critique for a page.
type AIStatus string

// AI critique states.
const (
	AIStatusPending   AIStatus = "pending"
	AIStatusCompleted AIStatus = "completed"
	AIStatusFailed    AIStatus = "failed"
	AIStatusSkipped   AIStatus = "skipped"
)

// OnPageData keeps the extracted facts that do not have their own column.
type OnPageData struct {
	H2s           []string `json:"h2s"`
	InternalLinks int      `json:"internal_links"`
	ExternalLinks int      `json:"external_links"`
	Issues        []string `json:"issues"`
}

// PageRecord is the persisted audit of one URL. (ProjectID, URL) is its natural key.
type PageRecord struct {
	ProjectID       string          `json:"project_id"`
	URL             string          `json:"url"`
	Title           string          `json:"title"`
	MetaDescription string          `json:"meta_description"`
	H1              string          `json:"h1"`
	WordCount       int             `json:"word_count"`
	TechnicalScore  int             `json:"technical_score"`
	ContentScore    int             `json:"content_score"`
	SEOScore        int             `json:"seo_score"`
	AIAnalysis      json.RawMessage `json:"ai_analysis,omitempty"`
	OnPageData      OnPageData      `json:"on_page_data"`
	AIStatus        AIStatus        `json:"ai_status"`
	LastAudited     time.Time       `json:"last_audited"`
}

// Facts rebuilds the extracted facts a record was scored from.
func (p PageRecord) Facts() PageFacts {
	return PageFacts{
		Title:           p.Title,
		MetaDescription: p.MetaDescription,
		H1:              p.H1,
		H2s:             p.OnPageData.H2s,
		WordCount:       p.WordCount,
		InternalLinks:   p.OnPageData.InternalLinks,
		ExternalLinks:   p.OnPageData.ExternalLinks,
	}
}

// Score returns the stored scores of a record.
func (p PageRecord) Score() Score {
	return Score{
		TechnicalScore: p.TechnicalScore,
		ContentScore:   p.ContentScore,
		SEOScore:       p.SEOScore,
		Issues:         p.OnPageData.Issues,
	}
}

// Report is the aggregated document produced by the report stage.
// (ProjectID, JobID) is unique.
type Report struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	JobID       string          `json:"job_id"`
	ReportType  string          `json:"report_type"`
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Project is the site the pipeline audits.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse carries the fetched body plus metadata.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// OK reports whether the response has a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

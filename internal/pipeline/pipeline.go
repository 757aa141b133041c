// Package pipeline implements the audit stages and the hand-offs between
// them: onboarding allocates an audit job, site-audit fetches and scores the
// site's pages in bounded chunks, generate-report aggregates the results, and
// ai-enrichment re-critiques pages the first pass could not.
//
// Every stage is a StageFunc. Stages chain by recording a durable pointer on
// their job and firing the next stage in the background; the Scheduler
// re-fires pointers that nobody picked up.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/ai"
	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/background"
	"github.com/JakeFAU/site-audit-pipeline/internal/jobstate"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
)

// Stage names, also the path segment under /functions/.
const (
	StageOnboarding = "onboarding"
	StageSiteAudit  = "site-audit"
	StageReport     = "generate-report"
	StageEnrichment = "ai-enrichment"
)

const (
	defaultChunkSize       = 5
	defaultFetchTimeout    = 10 * time.Second
	defaultEnrichmentLimit = 25
	reportType             = "site_audit"

	// maxStageJobs bounds how many derived jobs a stage allocates for one
	// parent before a failed hand-off stops being retried.
	maxStageJobs = 5
)

// StageFunc runs one stage for a decoded request.
type StageFunc func(ctx context.Context, req audit.StageRequest) (map[string]any, error)

// URLResolver discovers the pages of a site.
type URLResolver interface {
	Resolve(ctx context.Context, siteRoot string) []string
	Expand(ctx context.Context, sitemapURL, siteRoot string) []string
}

// Config tunes the stages.
type Config struct {
	ChunkSize         int
	FetchTimeout      time.Duration
	EnrichmentEnabled bool
	EnrichmentLimit   int
}

// Deps are the collaborators the stages need. AI, Archive, Trigger and
// Metrics may be nil.
type Deps struct {
	Jobs       *jobstate.Store
	Pages      audit.PageRepository
	Reports    audit.ReportRepository
	Projects   audit.ProjectRepository
	Fetcher    audit.Fetcher
	Resolver   URLResolver
	AI         ai.Client
	Trigger    Trigger
	Supervisor *background.Supervisor
	Archive    audit.ReportArchive
	Clock      audit.Clock
	IDs        audit.IDGenerator
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Pipeline owns the stage implementations.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and applies config defaults.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("pipeline: job store is required")
	case deps.Pages == nil, deps.Reports == nil, deps.Projects == nil:
		return nil, fmt.Errorf("pipeline: page, report and project repositories are required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("pipeline: resolver is required")
	case deps.Clock == nil, deps.IDs == nil:
		return nil, fmt.Errorf("pipeline: clock and id generator are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Supervisor == nil {
		deps.Supervisor = background.New(deps.Logger, 0)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.EnrichmentLimit <= 0 {
		cfg.EnrichmentLimit = defaultEnrichmentLimit
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: deps.Logger.Named("pipeline")}, nil
}

// Stages maps every stage name to its implementation.
func (p *Pipeline) Stages() map[string]StageFunc {
	return map[string]StageFunc{
		StageOnboarding: p.Onboard,
		StageSiteAudit:  p.SiteAudit,
		StageReport:     p.GenerateReport,
		StageEnrichment: p.Enrich,
	}
}

// chain records that fromJobID hands req to stage, then fires stage in the
// background. A lost pointer write only costs the retry.
func (p *Pipeline) chain(ctx context.Context, fromJobID, stage string, req audit.StageRequest) {
	if err := p.deps.Jobs.SetNextStage(ctx, fromJobID, stage, req); err != nil {
		p.logger.Error("failed to record next stage",
			zap.String("job_id", fromJobID), zap.String("stage", stage), zap.Error(err))
	}
	p.fire(ctx, stage, req)
}

func (p *Pipeline) fire(ctx context.Context, stage string, req audit.StageRequest) {
	if p.deps.Trigger == nil {
		p.logger.Debug("no trigger configured, leaving stage to the scheduler", zap.String("stage", stage))
		return
	}
	p.deps.Supervisor.Go(ctx, "trigger:"+stage, func(ctx context.Context) error {
		err := p.deps.Trigger.Fire(ctx, stage, req)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		p.deps.Metrics.ObserveTrigger(stage, outcome)
		return err
	})
}

// stageJob returns the job that runs stage for parentJobID. Ids derive from
// the parent so duplicate triggers share a job; a failed job is kept as
// history and the next attempt gets a fresh derived id.
func (p *Pipeline) stageJob(ctx context.Context, parentJobID, projectID, stage string) (audit.Job, error) {
	var job audit.Job
	for attempt := range maxStageJobs {
		jobID := p.deps.IDs.DeriveID(parentJobID, stage)
		if attempt > 0 {
			jobID = p.deps.IDs.DeriveID(parentJobID, stage+"#"+strconv.Itoa(attempt))
		}
		var err error
		if job, err = p.deps.Jobs.CreateOrGetJob(ctx, jobID, projectID, stage); err != nil {
			return audit.Job{}, err
		}
		if job.Status != audit.JobStatusFailed {
			return job, nil
		}
	}
	return job, nil
}

// fail marks jobID failed and returns err for the decorator.
func (p *Pipeline) fail(ctx context.Context, stage, jobID string, err error) error {
	p.deps.Jobs.UpdateStatus(ctx, jobID, audit.JobStatusFailed, err.Error())
	p.deps.Jobs.Log(ctx, jobID, stage, audit.LogLevelError, "stage failed", map[string]any{"error": err.Error()})
	return err
}

func skipped(jobID string, status audit.JobStatus) map[string]any {
	return map[string]any{
		"success": true,
		"job_id":  jobID,
		"skipped": true,
		"status":  string(status),
	}
}

// outcomeStatus folds page counts into a terminal status.
func outcomeStatus(succeeded, failed int) audit.JobStatus {
	switch {
	case failed == 0:
		return audit.JobStatusCompleted
	case succeeded == 0:
		return audit.JobStatusFailed
	default:
		return audit.JobStatusPartial
	}
}

package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit-pipeline/internal/ai"
	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/extract"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
	"github.com/JakeFAU/site-audit-pipeline/internal/scoring"
	"github.com/JakeFAU/site-audit-pipeline/internal/sitemap"
)

// SiteAudit resolves the project's pages and audits them chunk by chunk,
// checkpointing after every chunk so a retried invocation resumes where the
// last one stopped.
func (p *Pipeline) SiteAudit(ctx context.Context, req audit.StageRequest) (map[string]any, error) {
	if err := validateInput(siteAuditInput{ProjectID: req.ProjectID, JobID: req.JobID, URL: req.URL}); err != nil {
		return nil, err
	}
	project, err := p.deps.Projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		err = fmt.Errorf("load project %s: %w", req.ProjectID, err)
		return nil, p.failExisting(ctx, req.JobID, err)
	}
	siteRoot := project.URL
	if req.URL != "" {
		siteRoot = req.URL
	}

	jobID := req.JobID
	if jobID == "" {
		if jobID, err = p.deps.IDs.NewID(); err != nil {
			return nil, fmt.Errorf("allocate audit job id: %w", err)
		}
	}
	job, err := p.deps.Jobs.CreateOrGetJob(ctx, jobID, project.ID, StageSiteAudit)
	if err != nil {
		return nil, err
	}
	p.deps.Jobs.AckNextStage(ctx, jobID, StageSiteAudit)
	if job.Status.Terminal() {
		p.logger.Info("audit job already finished", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return skipped(jobID, job.Status), nil
	}
	p.deps.Jobs.UpdateStatus(ctx, jobID, audit.JobStatusProcessing, "")

	urls := p.resolveURLs(ctx, siteRoot)
	start, progress := p.resumePoint(ctx, jobID)
	progress.Total = len(urls)
	p.deps.Jobs.Log(ctx, jobID, StageSiteAudit, audit.LogLevelInfo, "audit started",
		map[string]any{"site_root": siteRoot, "pages": len(urls), "resume_from": start})

	for i := start; i < len(urls); i += p.cfg.ChunkSize {
		end := min(i+p.cfg.ChunkSize, len(urls))
		ok := p.auditChunk(ctx, jobID, project.ID, urls[i:end])
		for _, succeeded := range ok {
			progress.Processed++
			if succeeded {
				progress.Succeeded++
			} else {
				progress.Failed++
			}
		}
		p.deps.Jobs.Checkpoint(ctx, jobID, strconv.Itoa(end), progress)
	}

	status := outcomeStatus(progress.Succeeded, progress.Failed)
	if status == audit.JobStatusFailed {
		p.deps.Jobs.UpdateStatus(ctx, jobID, status, "no page could be audited")
	} else {
		p.deps.Jobs.UpdateStatus(ctx, jobID, status, "")
	}
	p.deps.Jobs.Log(ctx, jobID, StageSiteAudit, audit.LogLevelInfo, "audit finished", map[string]any{
		"status":    string(status),
		"succeeded": progress.Succeeded,
		"failed":    progress.Failed,
	})

	if status != audit.JobStatusFailed {
		p.chain(ctx, jobID, StageReport, audit.StageRequest{ProjectID: project.ID, JobID: jobID})
	}

	return map[string]any{
		"success":         true,
		"job_id":          jobID,
		"status":          string(status),
		"pages_total":     progress.Total,
		"pages_processed": progress.Processed,
		"pages_failed":    progress.Failed,
	}, nil
}

// failExisting records err on jobID when that job exists and is still open,
// and acks its hand-off so the scheduler stops retrying a run that cannot
// start.
func (p *Pipeline) failExisting(ctx context.Context, jobID string, err error) error {
	if jobID == "" {
		return err
	}
	job, getErr := p.deps.Jobs.Job(ctx, jobID)
	if getErr != nil {
		return err
	}
	p.deps.Jobs.AckNextStage(ctx, jobID, StageSiteAudit)
	if !job.Status.Terminal() {
		return p.fail(ctx, StageSiteAudit, jobID, err)
	}
	return err
}

// resolveURLs follows a page-sitemap locator one hop.
func (p *Pipeline) resolveURLs(ctx context.Context, siteRoot string) []string {
	urls := p.deps.Resolver.Resolve(ctx, siteRoot)
	if len(urls) == 1 && sitemap.IsSitemapLocator(urls[0]) {
		urls = p.deps.Resolver.Expand(ctx, urls[0], siteRoot)
	}
	return urls
}

// resumePoint reads the cursor of a previous partial run.
func (p *Pipeline) resumePoint(ctx context.Context, jobID string) (int, audit.BatchProgress) {
	state, ok, err := p.deps.Jobs.State(ctx, jobID)
	if err != nil {
		p.logger.Warn("failed to load job state, starting from the beginning", zap.String("job_id", jobID), zap.Error(err))
		return 0, audit.BatchProgress{}
	}
	if !ok || state.Cursor == "" {
		return 0, audit.BatchProgress{}
	}
	start, err := strconv.Atoi(state.Cursor)
	if err != nil || start < 0 {
		p.logger.Warn("ignoring malformed cursor", zap.String("job_id", jobID), zap.String("cursor", state.Cursor))
		return 0, audit.BatchProgress{}
	}
	return start, state.Progress
}

// auditChunk audits urls concurrently and reports which succeeded.
func (p *Pipeline) auditChunk(ctx context.Context, jobID, projectID string, urls []string) []bool {
	ok := make([]bool, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			ok[i] = p.auditPage(ctx, jobID, projectID, u)
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

// auditPage fetches, extracts, scores, critiques and stores one page. Every
// failure is logged and reported as false; none aborts the job.
func (p *Pipeline) auditPage(ctx context.Context, jobID, projectID, pageURL string) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	resp, err := p.deps.Fetcher.Fetch(fetchCtx, audit.FetchRequest{URL: pageURL})
	cancel()
	if err == nil && !resp.OK() {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err != nil {
		p.deps.Metrics.ObservePage(metrics.OutcomeFailure)
		p.deps.Jobs.Log(ctx, jobID, StageSiteAudit, audit.LogLevelWarn, "fetch failed",
			map[string]any{"url": pageURL, "error": err.Error()})
		return false
	}

	facts := extract.Extract(string(resp.Body), pageURL)
	if facts == nil {
		p.deps.Metrics.ObservePage(metrics.OutcomeSkipped)
		p.deps.Jobs.Log(ctx, jobID, StageSiteAudit, audit.LogLevelWarn, "page could not be parsed",
			map[string]any{"url": pageURL})
		return false
	}
	score := scoring.Score(*facts)

	record := audit.PageRecord{
		ProjectID:       projectID,
		URL:             pageURL,
		Title:           facts.Title,
		MetaDescription: facts.MetaDescription,
		H1:              facts.H1,
		WordCount:       facts.WordCount,
		TechnicalScore:  score.TechnicalScore,
		ContentScore:    score.ContentScore,
		SEOScore:        score.SEOScore,
		OnPageData: audit.OnPageData{
			H2s:           facts.H2s,
			InternalLinks: facts.InternalLinks,
			ExternalLinks: facts.ExternalLinks,
			Issues:        score.Issues,
		},
		LastAudited: p.deps.Clock.Now(),
	}
	record.AIStatus, record.AIAnalysis = p.critique(ctx, jobID, StageSiteAudit, pageURL, *facts, score)

	if err := p.deps.Pages.UpsertPage(ctx, record); err != nil {
		p.deps.Metrics.ObservePage(metrics.OutcomeFailure)
		p.deps.Jobs.Log(ctx, jobID, StageSiteAudit, audit.LogLevelError, "failed to store page",
			map[string]any{"url": pageURL, "error": err.Error()})
		return false
	}
	p.deps.Metrics.ObservePage(metrics.OutcomeSuccess)
	return true
}

// critique asks the AI client for a page critique. A disabled client yields
// skipped; a failed call yields failed and an error log.
func (p *Pipeline) critique(ctx context.Context, jobID, stage, pageURL string, facts audit.PageFacts, score audit.Score) (audit.AIStatus, []byte) {
	if p.deps.AI == nil {
		p.deps.Metrics.ObserveAI(metrics.OutcomeSkipped)
		return audit.AIStatusSkipped, nil
	}
	_, raw, err := ai.CritiquePage(ctx, p.deps.AI, pageURL, facts, score)
	if err != nil {
		p.deps.Metrics.ObserveAI(metrics.OutcomeFailure)
		p.deps.Jobs.Log(ctx, jobID, stage, audit.LogLevelError, "ai critique failed",
			map[string]any{"url": pageURL, "error": err.Error()})
		return audit.AIStatusFailed, nil
	}
	p.deps.Metrics.ObserveAI(metrics.OutcomeSuccess)
	return audit.AIStatusCompleted, raw
}

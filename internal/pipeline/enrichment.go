package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Enrich re-runs the AI critique for pages whose first critique never landed.
func (p *Pipeline) Enrich(ctx context.Context, req audit.StageRequest) (map[string]any, error) {
	if err := validateInput(enrichmentInput{ProjectID: req.ProjectID, JobID: req.JobID}); err != nil {
		return nil, err
	}
	if p.deps.AI == nil {
		return nil, &audit.ConfigError{Key: "ai.api_key", Err: audit.ErrAIUnavailable}
	}

	var job audit.Job
	if req.JobID != "" {
		var err error
		if job, err = p.stageJob(ctx, req.JobID, req.ProjectID, StageEnrichment); err != nil {
			return nil, err
		}
	} else {
		id, err := p.deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("allocate enrichment job id: %w", err)
		}
		if job, err = p.deps.Jobs.CreateOrGetJob(ctx, id, req.ProjectID, StageEnrichment); err != nil {
			return nil, err
		}
	}
	jobID := job.ID
	if job.Status.Terminal() {
		p.deps.Jobs.AckNextStage(ctx, req.JobID, StageEnrichment)
		return skipped(jobID, job.Status), nil
	}
	p.deps.Jobs.UpdateStatus(ctx, jobID, audit.JobStatusProcessing, "")

	pages, err := p.deps.Pages.ListPages(ctx, req.ProjectID)
	if err != nil {
		return nil, p.fail(ctx, StageEnrichment, jobID, fmt.Errorf("list pages: %w", err))
	}
	candidates := make([]audit.PageRecord, 0, len(pages))
	for _, page := range pages {
		if page.AIStatus != audit.AIStatusCompleted {
			candidates = append(candidates, page)
		}
		if len(candidates) == p.cfg.EnrichmentLimit {
			break
		}
	}

	var enriched, failed int
	for i := 0; i < len(candidates); i += p.cfg.ChunkSize {
		chunk := candidates[i:min(i+p.cfg.ChunkSize, len(candidates))]
		ok := make([]bool, len(chunk))
		var g errgroup.Group
		for j, page := range chunk {
			g.Go(func() error {
				ok[j] = p.enrichPage(ctx, jobID, page)
				return nil
			})
		}
		_ = g.Wait()
		for _, succeeded := range ok {
			if succeeded {
				enriched++
			} else {
				failed++
			}
		}
		p.deps.Jobs.Checkpoint(ctx, jobID, "", audit.BatchProgress{
			Processed: enriched + failed,
			Total:     len(candidates),
			Succeeded: enriched,
			Failed:    failed,
		})
	}

	status := audit.JobStatusCompleted
	if len(candidates) > 0 {
		status = outcomeStatus(enriched, failed)
	}
	if status == audit.JobStatusFailed {
		p.deps.Jobs.UpdateStatus(ctx, jobID, status, "no page could be enriched")
	} else {
		p.deps.Jobs.UpdateStatus(ctx, jobID, status, "")
		p.deps.Jobs.AckNextStage(ctx, req.JobID, StageEnrichment)
	}
	p.deps.Jobs.Log(ctx, jobID, StageEnrichment, audit.LogLevelInfo, "enrichment finished",
		map[string]any{"candidates": len(candidates), "enriched": enriched, "failed": failed})

	return map[string]any{
		"success":  true,
		"job_id":   jobID,
		"enriched": enriched,
		"failed":   failed,
	}, nil
}

func (p *Pipeline) enrichPage(ctx context.Context, jobID string, page audit.PageRecord) bool {
	status, raw := p.critique(ctx, jobID, StageEnrichment, page.URL, page.Facts(), page.Score())
	page.AIStatus = status
	if raw != nil {
		page.AIAnalysis = raw
	}
	page.LastAudited = p.deps.Clock.Now()
	if err := p.deps.Pages.UpsertPage(ctx, page); err != nil {
		p.deps.Jobs.Log(ctx, jobID, StageEnrichment, audit.LogLevelError, "failed to store page",
			map[string]any{"url": page.URL, "error": err.Error()})
		return false
	}
	return status == audit.AIStatusCompleted
}

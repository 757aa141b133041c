package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Onboard starts an audit for a project. It returns as soon as the audit job
// is queued; the site-audit stage runs in the background.
func (p *Pipeline) Onboard(ctx context.Context, req audit.StageRequest) (map[string]any, error) {
	if err := validateInput(onboardingInput{ProjectID: req.ProjectID}); err != nil {
		return nil, err
	}
	project, err := p.deps.Projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", req.ProjectID, err)
	}

	jobID, err := p.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("allocate audit job id: %w", err)
	}
	if _, err := p.deps.Jobs.CreateOrGetJob(ctx, jobID, project.ID, StageSiteAudit); err != nil {
		return nil, err
	}
	p.deps.Jobs.Log(ctx, jobID, StageOnboarding, audit.LogLevelInfo, "audit queued", map[string]any{"url": project.URL})
	p.logger.Info("audit queued", zap.String("job_id", jobID), zap.String("project_id", project.ID))

	p.chain(ctx, jobID, StageSiteAudit, audit.StageRequest{ProjectID: project.ID, JobID: jobID})

	return map[string]any{
		"success":    true,
		"job_id":     jobID,
		"project_id": project.ID,
		"message":    "Site audit started for " + project.URL,
	}, nil
}

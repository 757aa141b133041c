package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const weakestPageCount = 5

// ReportDocument is the content stored on a Report row and in the archive.
type ReportDocument struct {
	ProjectID      string        `json:"project_id"`
	AuditJobID     string        `json:"audit_job_id"`
	GeneratedAt    time.Time     `json:"generated_at"`
	PageCount      int           `json:"page_count"`
	AverageScores  AverageScores `json:"average_scores"`
	IssueFrequency []IssueCount  `json:"issue_frequency"`
	WeakestPages   []PageSummary `json:"weakest_pages"`
	AICoverage     AICoverage    `json:"ai_coverage"`
}

// AverageScores are per-score means rounded to one decimal.
type AverageScores struct {
	Technical float64 `json:"technical"`
	Content   float64 `json:"content"`
	SEO       float64 `json:"seo"`
}

// IssueCount is how many pages carry an issue.
type IssueCount struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

// PageSummary is a short view of one page.
type PageSummary struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	SEOScore int      `json:"seo_score"`
	Issues   []string `json:"issues"`
}

// AICoverage counts pages per critique status.
type AICoverage struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Skipped   int     `json:"skipped"`
	Ratio     float64 `json:"ratio"`
}

// GenerateReport aggregates the project's page audits into one report per
// audit job. Its job id derives from the audit job, so duplicate triggers
// land on the same job and the unique report key absorbs the rest. The audit
// job's hand-off is acked only once the report is stored, so a failed run
// stays visible to the scheduler.
func (p *Pipeline) GenerateReport(ctx context.Context, req audit.StageRequest) (map[string]any, error) {
	if err := validateInput(reportInput{ProjectID: req.ProjectID, JobID: req.JobID}); err != nil {
		return nil, err
	}
	job, err := p.stageJob(ctx, req.JobID, req.ProjectID, StageReport)
	if err != nil {
		return nil, err
	}
	jobID := job.ID
	if job.Status.Terminal() {
		p.deps.Jobs.AckNextStage(ctx, req.JobID, StageReport)
		return skipped(jobID, job.Status), nil
	}
	p.deps.Jobs.UpdateStatus(ctx, jobID, audit.JobStatusProcessing, "")

	pages, err := p.deps.Pages.ListPages(ctx, req.ProjectID)
	if err != nil {
		return nil, p.fail(ctx, StageReport, jobID, fmt.Errorf("list pages: %w", err))
	}
	now := p.deps.Clock.Now()
	doc := BuildReport(req.ProjectID, req.JobID, pages, now)
	content, err := json.Marshal(doc)
	if err != nil {
		return nil, p.fail(ctx, StageReport, jobID, fmt.Errorf("encode report: %w", err))
	}

	reportID, err := p.deps.IDs.NewID()
	if err != nil {
		return nil, p.fail(ctx, StageReport, jobID, fmt.Errorf("allocate report id: %w", err))
	}
	created, err := p.deps.Reports.InsertReport(ctx, audit.Report{
		ID:          reportID,
		ProjectID:   req.ProjectID,
		JobID:       req.JobID,
		ReportType:  reportType,
		Title:       fmt.Sprintf("Site audit: %d pages", doc.PageCount),
		Content:     content,
		GeneratedAt: now,
	})
	if err != nil {
		return nil, p.fail(ctx, StageReport, jobID, fmt.Errorf("insert report: %w", err))
	}
	if created {
		p.archive(ctx, jobID, req.ProjectID, req.JobID, content)
	} else {
		p.deps.Jobs.Log(ctx, jobID, StageReport, audit.LogLevelInfo, "report already exists", nil)
	}

	p.deps.Jobs.UpdateStatus(ctx, jobID, audit.JobStatusCompleted, "")
	p.deps.Jobs.AckNextStage(ctx, req.JobID, StageReport)
	p.deps.Jobs.Log(ctx, jobID, StageReport, audit.LogLevelInfo, "report generated",
		map[string]any{"pages": doc.PageCount, "created": created})

	if p.cfg.EnrichmentEnabled && p.deps.AI != nil {
		p.chain(ctx, jobID, StageEnrichment, audit.StageRequest{ProjectID: req.ProjectID, JobID: jobID})
	}

	return map[string]any{
		"success":        true,
		"job_id":         jobID,
		"report_created": created,
		"pages":          doc.PageCount,
	}, nil
}

// archive copies the report document to the archive. Failures are logged.
func (p *Pipeline) archive(ctx context.Context, jobID, projectID, auditJobID string, content []byte) {
	if p.deps.Archive == nil {
		return
	}
	name := path.Join("reports", projectID, auditJobID+".json")
	uri, err := p.deps.Archive.PutObject(ctx, name, "application/json", bytes.NewReader(content))
	if err != nil {
		p.logger.Warn("failed to archive report", zap.String("job_id", jobID), zap.Error(err))
		p.deps.Jobs.Log(ctx, jobID, StageReport, audit.LogLevelWarn, "report archive failed",
			map[string]any{"error": err.Error()})
		return
	}
	p.deps.Jobs.Log(ctx, jobID, StageReport, audit.LogLevelInfo, "report archived", map[string]any{"uri": uri})
}

// BuildReport aggregates page records. It is pure.
func BuildReport(projectID, auditJobID string, pages []audit.PageRecord, now time.Time) ReportDocument {
	doc := ReportDocument{
		ProjectID:      projectID,
		AuditJobID:     auditJobID,
		GeneratedAt:    now,
		PageCount:      len(pages),
		IssueFrequency: []IssueCount{},
		WeakestPages:   []PageSummary{},
	}
	if len(pages) == 0 {
		return doc
	}

	var technical, content, seo int
	issues := map[string]int{}
	for _, page := range pages {
		technical += page.TechnicalScore
		content += page.ContentScore
		seo += page.SEOScore
		for _, issue := range page.OnPageData.Issues {
			issues[issue]++
		}
		switch page.AIStatus {
		case audit.AIStatusCompleted:
			doc.AICoverage.Completed++
		case audit.AIStatusFailed:
			doc.AICoverage.Failed++
		case audit.AIStatusSkipped:
			doc.AICoverage.Skipped++
		default:
			doc.AICoverage.Pending++
		}
	}
	n := float64(len(pages))
	doc.AverageScores = AverageScores{
		Technical: round1(float64(technical) / n),
		Content:   round1(float64(content) / n),
		SEO:       round1(float64(seo) / n),
	}
	doc.AICoverage.Ratio = round1(float64(doc.AICoverage.Completed) / n * 100)

	for issue, count := range issues {
		doc.IssueFrequency = append(doc.IssueFrequency, IssueCount{Issue: issue, Count: count})
	}
	sort.Slice(doc.IssueFrequency, func(i, j int) bool {
		a, b := doc.IssueFrequency[i], doc.IssueFrequency[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Issue < b.Issue
	})

	ranked := make([]audit.PageRecord, len(pages))
	copy(ranked, pages)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].SEOScore != ranked[j].SEOScore {
			return ranked[i].SEOScore < ranked[j].SEOScore
		}
		return ranked[i].URL < ranked[j].URL
	})
	for _, page := range ranked[:min(weakestPageCount, len(ranked))] {
		pageIssues := page.OnPageData.Issues
		if pageIssues == nil {
			pageIssues = []string{}
		}
		doc.WeakestPages = append(doc.WeakestPages, PageSummary{
			URL:      page.URL,
			Title:    page.Title,
			SEOScore: page.SEOScore,
			Issues:   pageIssues,
		})
	}
	return doc
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const pageColumns = `project_id, url, title, meta_description, h1, word_count,
	technical_score, content_score, seo_score, ai_analysis, on_page_data, ai_status, last_audited`

// UpsertPage inserts or replaces the row keyed by (project_id, url).
func (s *Store) UpsertPage(ctx context.Context, page audit.PageRecord) error {
	onPage, err := json.Marshal(page.OnPageData)
	if err != nil {
		return fmt.Errorf("marshal on-page data: %w", err)
	}
	var analysis []byte
	if len(page.AIAnalysis) > 0 {
		analysis = page.AIAnalysis
	}
	query := `
INSERT INTO pages (` + pageColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (project_id, url) DO UPDATE
SET title = EXCLUDED.title,
	meta_description = EXCLUDED.meta_description,
	h1 = EXCLUDED.h1,
	word_count = EXCLUDED.word_count,
	technical_score = EXCLUDED.technical_score,
	content_score = EXCLUDED.content_score,
	seo_score = EXCLUDED.seo_score,
	ai_analysis = EXCLUDED.ai_analysis,
	on_page_data = EXCLUDED.on_page_data,
	ai_status = EXCLUDED.ai_status,
	last_audited = EXCLUDED.last_audited;`
	_, err = s.pool.Exec(ctx, query,
		page.ProjectID,
		page.URL,
		page.Title,
		page.MetaDescription,
		page.H1,
		page.WordCount,
		page.TechnicalScore,
		page.ContentScore,
		page.SEOScore,
		analysis,
		onPage,
		string(page.AIStatus),
		page.LastAudited,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// GetPage returns one page record.
func (s *Store) GetPage(ctx context.Context, projectID, url string) (audit.PageRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE project_id = $1 AND url = $2;`, projectID, url)
	page, err := scanPage(row)
	if err != nil {
		return audit.PageRecord{}, notFound(err, "page "+url)
	}
	return page, nil
}

// ListPages returns the project's pages ordered by URL.
func (s *Store) ListPages(ctx context.Context, projectID string) ([]audit.PageRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pageColumns+` FROM pages WHERE project_id = $1 ORDER BY url;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()
	var out []audit.PageRecord
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

func scanPage(row rowScanner) (audit.PageRecord, error) {
	var (
		page     audit.PageRecord
		analysis []byte
		onPage   []byte
		aiStatus string
	)
	err := row.Scan(
		&page.ProjectID,
		&page.URL,
		&page.Title,
		&page.MetaDescription,
		&page.H1,
		&page.WordCount,
		&page.TechnicalScore,
		&page.ContentScore,
		&page.SEOScore,
		&analysis,
		&onPage,
		&aiStatus,
		&page.LastAudited,
	)
	if err != nil {
		return audit.PageRecord{}, err
	}
	page.AIStatus = audit.AIStatus(aiStatus)
	if len(analysis) > 0 {
		page.AIAnalysis = json.RawMessage(analysis)
	}
	if len(onPage) > 0 {
		if err := json.Unmarshal(onPage, &page.OnPageData); err != nil {
			return audit.PageRecord{}, fmt.Errorf("decode on-page data: %w", err)
		}
	}
	return page, nil
}

// InsertReport stores report unless (project_id, job_id) already exists.
func (s *Store) InsertReport(ctx context.Context, report audit.Report) (bool, error) {
	query := `
INSERT INTO reports (id, project_id, job_id, report_type, title, content, generated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (project_id, job_id) DO NOTHING;`
	tag, err := s.pool.Exec(ctx, query,
		report.ID,
		report.ProjectID,
		report.JobID,
		report.ReportType,
		report.Title,
		[]byte(report.Content),
		report.GeneratedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetReport returns the report generated for a job.
func (s *Store) GetReport(ctx context.Context, projectID, jobID string) (audit.Report, error) {
	var (
		report  audit.Report
		content []byte
	)
	query := `
SELECT id, project_id, job_id, report_type, title, content, generated_at
FROM reports WHERE project_id = $1 AND job_id = $2;`
	err := s.pool.QueryRow(ctx, query, projectID, jobID).Scan(
		&report.ID, &report.ProjectID, &report.JobID, &report.ReportType, &report.Title, &content, &report.GeneratedAt)
	if err != nil {
		return audit.Report{}, notFound(err, "report for job "+jobID)
	}
	report.Content = json.RawMessage(content)
	return report, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (audit.Project, error) {
	var p audit.Project
	err := s.pool.QueryRow(ctx, `SELECT id, name, url FROM projects WHERE id = $1;`, projectID).Scan(&p.ID, &p.Name, &p.URL)
	if err != nil {
		return audit.Project{}, notFound(err, "project "+projectID)
	}
	return p, nil
}

// PutProject inserts or replaces a project.
func (s *Store) PutProject(ctx context.Context, project audit.Project) error {
	query := `
INSERT INTO projects (id, name, url) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url;`
	if _, err := s.pool.Exec(ctx, query, project.ID, project.Name, project.URL); err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

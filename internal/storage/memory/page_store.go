package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

type pageKey struct {
	projectID string
	url       string
}

// PageStore implements audit.PageRepository in memory.
type PageStore struct {
	mu    sync.RWMutex
	pages map[pageKey]audit.PageRecord
}

var _ audit.PageRepository = (*PageStore)(nil)

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[pageKey]audit.PageRecord)}
}

// UpsertPage inserts or replaces the record for (ProjectID, URL).
func (s *PageStore) UpsertPage(_ context.Context, page audit.PageRecord) error {
	if page.ProjectID == "" || page.URL == "" {
		return fmt.Errorf("page requires project_id and url")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageKey{page.ProjectID, page.URL}] = clonePage(page)
	return nil
}

// GetPage returns one page record.
func (s *PageStore) GetPage(_ context.Context, projectID, url string) (audit.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[pageKey{projectID, url}]
	if !ok {
		return audit.PageRecord{}, fmt.Errorf("page %s: %w", url, audit.ErrNotFound)
	}
	return clonePage(page), nil
}

// ListPages returns the project's pages ordered by URL.
func (s *PageStore) ListPages(_ context.Context, projectID string) ([]audit.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.PageRecord
	for key, page := range s.pages {
		if key.projectID == projectID {
			out = append(out, clonePage(page))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func clonePage(p audit.PageRecord) audit.PageRecord {
	p.AIAnalysis = slices.Clone(p.AIAnalysis)
	p.OnPageData.H2s = slices.Clone(p.OnPageData.H2s)
	p.OnPageData.Issues = slices.Clone(p.OnPageData.Issues)
	return p
}

// ReportStore implements audit.ReportRepository in memory.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[[2]string]audit.Report
}

var _ audit.ReportRepository = (*ReportStore)(nil)

// NewReportStore constructs a ReportStore.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[[2]string]audit.Report)}
}

// InsertReport stores report unless (ProjectID, JobID) already exists.
func (s *ReportStore) InsertReport(_ context.Context, report audit.Report) (bool, error) {
	key := [2]string{report.ProjectID, report.JobID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[key]; ok {
		return false, nil
	}
	report.Content = slices.Clone(report.Content)
	s.reports[key] = report
	return true, nil
}

// GetReport returns the report generated for a job.
func (s *ReportStore) GetReport(_ context.Context, projectID, jobID string) (audit.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[[2]string{projectID, jobID}]
	if !ok {
		return audit.Report{}, fmt.Errorf("report for job %s: %w", jobID, audit.ErrNotFound)
	}
	report.Content = slices.Clone(report.Content)
	return report, nil
}

// Count returns the number of stored reports.
func (s *ReportStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// ProjectStore implements audit.ProjectRepository in memory.
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[string]audit.Project
}

var _ audit.ProjectRepository = (*ProjectStore)(nil)

// NewProjectStore constructs a ProjectStore seeded with projects.
func NewProjectStore(projects ...audit.Project) *ProjectStore {
	s := &ProjectStore{projects: make(map[string]audit.Project, len(projects))}
	for _, p := range projects {
		s.projects[p.ID] = p
	}
	return s
}

// GetProject returns a project by ID.
func (s *ProjectStore) GetProject(_ context.Context, projectID string) (audit.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return audit.Project{}, fmt.Errorf("project %s: %w", projectID, audit.ErrNotFound)
	}
	return p, nil
}

// PutProject inserts or replaces a project.
func (s *ProjectStore) PutProject(_ context.Context, project audit.Project) error {
	if project.ID == "" {
		return fmt.Errorf("project requires id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	return nil
}

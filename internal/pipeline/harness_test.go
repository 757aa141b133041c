package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/ai"
	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/background"
	"github.com/JakeFAU/site-audit-pipeline/internal/clock"
	"github.com/JakeFAU/site-audit-pipeline/internal/id/uuid"
	"github.com/JakeFAU/site-audit-pipeline/internal/jobstate"
	"github.com/JakeFAU/site-audit-pipeline/internal/sitemap"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/memory"
)

const siteRoot = "https://site.test"

var epoch = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fakePage struct {
	status int
	body   string
	err    error
}

// siteFetcher serves canned responses and counts requests per URL.
type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls map[string]int
	delay time.Duration
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{pages: map[string]fakePage{}, calls: map[string]int{}}
}

func (f *siteFetcher) set(url string, page fakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page.status == 0 && page.err == nil {
		page.status = 200
	}
	f.pages[url] = page
}

func (f *siteFetcher) callsTo(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *siteFetcher) Fetch(ctx context.Context, req audit.FetchRequest) (audit.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	page, ok := f.pages[req.URL]
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return audit.FetchResponse{}, err
	}
	if !ok {
		return audit.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	if page.err != nil {
		return audit.FetchResponse{}, page.err
	}
	return audit.FetchResponse{URL: req.URL, StatusCode: page.status, Body: []byte(page.body)}, nil
}

type firedStage struct {
	stage string
	req   audit.StageRequest
}

type recordingTrigger struct {
	mu    sync.Mutex
	fired []firedStage
	err   error
}

func (r *recordingTrigger) Fire(_ context.Context, stage string, req audit.StageRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, firedStage{stage: stage, req: req})
	return r.err
}

func (r *recordingTrigger) all() []firedStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firedStage(nil), r.fired...)
}

// stubAI answers every critique with text, or err when set.
type stubAI struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *stubAI) Generate(ctx context.Context, prompt string, opts ...ai.Option) (string, error) {
	return s.GenerateJSON(ctx, prompt, opts...)
}

func (s *stubAI) GenerateJSON(_ context.Context, _ string, _ ...ai.Option) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return ai.CleanJSONBlock(s.text), nil
}

const validCritique = "```json\n" + `{"summary":"Solid page","strengths":["clear h1"],"weaknesses":[],"recommendations":["add alt text"],"priority":"low"}` + "\n```"

type harness struct {
	p        *Pipeline
	jobs     *jobstate.Store
	jobRepo  *memory.JobStore
	pages    *memory.PageStore
	reports  *memory.ReportStore
	projects *memory.ProjectStore
	archive  *memory.ReportArchive
	fetcher  *siteFetcher
	trigger  *recordingTrigger
	sup      *background.Supervisor
	clock    *clock.Manual
}

type harnessOption func(*Deps, *Config)

func withAI(client ai.Client) harnessOption {
	return func(d *Deps, _ *Config) { d.AI = client }
}

func withTrigger(t Trigger) harnessOption {
	return func(d *Deps, _ *Config) { d.Trigger = t }
}

func withSupervisorTimeout(d time.Duration) harnessOption {
	return func(deps *Deps, _ *Config) { deps.Supervisor = background.New(zap.NewNop(), d) }
}

func withDeps(fn func(*Deps)) harnessOption {
	return func(d *Deps, _ *Config) { fn(d) }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *Deps, c *Config) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		jobRepo:  memory.NewJobStore(),
		pages:    memory.NewPageStore(),
		reports:  memory.NewReportStore(),
		projects: memory.NewProjectStore(audit.Project{ID: "p1", Name: "Site", URL: siteRoot}),
		archive:  memory.NewReportArchive(),
		fetcher:  newSiteFetcher(),
		trigger:  &recordingTrigger{},
		sup:      background.New(zap.NewNop(), 10*time.Second),
		clock:    clock.NewManual(epoch),
	}
	ids := uuid.New()
	h.jobs = jobstate.New(h.jobRepo, h.clock, ids, zap.NewNop(), nil)
	deps := Deps{
		Jobs:       h.jobs,
		Pages:      h.pages,
		Reports:    h.reports,
		Projects:   h.projects,
		Fetcher:    h.fetcher,
		Resolver:   sitemap.New(h.fetcher, sitemap.Config{Timeout: time.Second}, zap.NewNop()),
		Trigger:    h.trigger,
		Supervisor: h.sup,
		Archive:    h.archive,
		Clock:      h.clock,
		IDs:        ids,
	}
	cfg := Config{ChunkSize: 5, FetchTimeout: time.Second}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	p, err := New(deps, cfg)
	require.NoError(t, err)
	h.p = p
	h.sup = deps.Supervisor
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Wait(ctx))
}

func (h *harness) job(t *testing.T, id string) audit.Job {
	t.Helper()
	job, err := h.jobs.Job(context.Background(), id)
	require.NoError(t, err)
	return job
}

// serveSitemap publishes a urlset listing paths under siteRoot.
func (h *harness) serveSitemap(paths ...string) []string {
	urls := make([]string, len(paths))
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for i, p := range paths {
		urls[i] = siteRoot + p
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", urls[i])
	}
	b.WriteString(`</urlset>`)
	h.fetcher.set(siteRoot+"/sitemap.xml", fakePage{body: b.String()})
	return urls
}

// goodPage scores 100 on every axis.
func goodPage() string {
	return fmt.Sprintf(`<html><head><title>%s</title><meta name="description" content="d"></head>
<body><h1>Hi</h1><p>%s</p><a href="/a">a</a><a href="/b">b</a><a href="/c">c</a></body></html>`,
		strings.Repeat("x", 40), strings.TrimSpace(strings.Repeat("word ", 1000)))
}

// thinPage has no title, no meta description, 247 body words and no internal links.
func thinPage() string {
	return fmt.Sprintf(`<html><body><h1>Hello</h1><p>%s</p>
<a href="https://elsewhere.org">out</a></body></html>`, strings.TrimSpace(strings.Repeat("word ", 247)))
}

var errNetwork = errors.New("connection reset")

// Package sitemap discovers the candidate page URLs of a site from its sitemap.
package sitemap

import (
	"context"
	"encoding/xml"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const (
	// MaxURLs bounds how many pages one resolution may return.
	MaxURLs = 50
	// pageSitemapMarker selects the child of a sitemap index that lists pages.
	pageSitemapMarker = "page-sitemap"
	defaultTimeout    = 10 * time.Second
)

var skippedExtensions = map[string]struct{}{
	".xml": {},
	".jpg": {},
	".png": {},
	".pdf": {},
	".css": {},
	".js":  {},
}

// Config controls the resolver.
type Config struct {
	Timeout time.Duration
}

// Resolver fetches and parses sitemaps. Failures never propagate; every
// error degrades to the site root alone.
type Resolver struct {
	fetcher audit.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Resolver.
func New(fetcher audit.Fetcher, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, cfg: cfg, logger: logger}
}

type document struct {
	Sitemaps []entry `xml:"sitemap"`
	URLs     []entry `xml:"url"`
}

type entry struct {
	Location string `xml:"loc"`
}

// Resolve fetches {siteRoot}/sitemap.xml. A sitemap index yields the single
// page-sitemap locator for the caller to Expand; a urlset yields its page
// URLs, filtered and capped at MaxURLs.
func (r *Resolver) Resolve(ctx context.Context, siteRoot string) []string {
	return r.resolve(ctx, strings.TrimRight(siteRoot, "/")+"/sitemap.xml", siteRoot, true)
}

// Expand resolves an explicit sitemap locator returned by Resolve. A second
// level of indirection is not followed.
func (r *Resolver) Expand(ctx context.Context, sitemapURL, siteRoot string) []string {
	return r.resolve(ctx, sitemapURL, siteRoot, false)
}

// IsSitemapLocator reports whether u points at a sitemap rather than a page.
func IsSitemapLocator(u string) bool {
	return strings.EqualFold(extension(u), ".xml")
}

func (r *Resolver) resolve(ctx context.Context, sitemapURL, siteRoot string, allowIndex bool) []string {
	fallback := []string{siteRoot}
	logger := r.logger.With(zap.String("sitemap", sitemapURL))

	body, ok := r.fetch(ctx, sitemapURL, logger)
	if !ok {
		return fallback
	}
	var doc document
	if err := xml.Unmarshal(body, &doc); err != nil {
		logger.Warn("sitemap parse failed; using site root", zap.Error(err))
		return fallback
	}

	if len(doc.Sitemaps) > 0 {
		if !allowIndex {
			logger.Warn("nested sitemap index not followed; using site root")
			return fallback
		}
		for _, s := range doc.Sitemaps {
			loc := strings.TrimSpace(s.Location)
			if strings.Contains(loc, pageSitemapMarker) {
				return []string{loc}
			}
		}
		logger.Warn("sitemap index has no page sitemap; using site root")
		return fallback
	}

	urls := filterPages(doc.URLs)
	if len(urls) == 0 {
		logger.Warn("sitemap lists no pages; using site root")
		return fallback
	}
	return urls
}

func (r *Resolver) fetch(ctx context.Context, sitemapURL string, logger *zap.Logger) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := r.fetcher.Fetch(ctx, audit.FetchRequest{URL: sitemapURL})
	if err != nil {
		logger.Warn("sitemap fetch failed; using site root", zap.Error(err))
		return nil, false
	}
	if !resp.OK() {
		logger.Warn("sitemap returned non-2xx; using site root", zap.Int("status", resp.StatusCode))
		return nil, false
	}
	return resp.Body, true
}

func filterPages(entries []entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, min(len(entries), MaxURLs))
	for _, e := range entries {
		loc := strings.TrimSpace(e.Location)
		if loc == "" {
			continue
		}
		if _, skip := skippedExtensions[strings.ToLower(extension(loc))]; skip {
			continue
		}
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
		if len(out) == MaxURLs {
			break
		}
	}
	return out
}

// extension returns the extension of the URL path, ignoring query and fragment.
func extension(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	return path.Ext(p)
}

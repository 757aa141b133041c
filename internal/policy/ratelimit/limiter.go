// Package ratelimit paces outbound page fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Config holds rate limiter configuration. A non-positive RPS disables pacing.
type Config struct {
	PerHostRPS float64
	Burst      int
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for rawURL's host or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Fetcher paces another fetcher through a Limiter.
type Fetcher struct {
	next    audit.Fetcher
	limiter *Limiter
}

var _ audit.Fetcher = (*Fetcher)(nil)

// Wrap returns next paced by l.
func Wrap(next audit.Fetcher, l *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: l}
}

// Fetch waits for the request's host bucket, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, req audit.FetchRequest) (audit.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return audit.FetchResponse{}, err
	}
	return f.next.Fetch(ctx, req)
}

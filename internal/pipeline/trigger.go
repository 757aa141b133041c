package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const defaultTriggerTimeout = 5 * time.Minute

// Trigger starts a stage for a request.
type Trigger interface {
	Fire(ctx context.Context, stage string, req audit.StageRequest) error
}

// HTTPTrigger invokes stages through the service's own /functions endpoints.
type HTTPTrigger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTrigger builds a trigger rooted at baseURL. apiKey may be empty
// when auth is disabled.
func NewHTTPTrigger(baseURL, apiKey string, timeout time.Duration) (*HTTPTrigger, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, &audit.ConfigError{Key: "server.public_base_url"}
	}
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	return &HTTPTrigger{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}, nil
}

// Fire POSTs req to {base}/functions/{stage}. Non-2xx is an error.
func (t *HTTPTrigger) Fire(ctx context.Context, stage string, req audit.StageRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal stage request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/functions/"+stage, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("X-API-Key", t.apiKey)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", stage, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trigger %s: status %d", stage, resp.StatusCode)
	}
	return nil
}

// LocalTrigger calls registered stages in-process.
type LocalTrigger struct {
	mu     sync.RWMutex
	stages map[string]StageFunc
}

// NewLocalTrigger returns an empty registry.
func NewLocalTrigger() *LocalTrigger {
	return &LocalTrigger{stages: make(map[string]StageFunc)}
}

// Register adds or replaces the stages in m.
func (t *LocalTrigger) Register(m map[string]StageFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, fn := range m {
		t.stages[name] = fn
	}
}

// Fire runs stage synchronously and returns its error. The stage ignores the
// caller's deadline and cancellation, as it would behind an HTTP hand-off;
// fetches keep their own timeouts.
func (t *LocalTrigger) Fire(ctx context.Context, stage string, req audit.StageRequest) error {
	t.mu.RLock()
	fn, ok := t.stages[stage]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if _, err := fn(context.WithoutCancel(ctx), req); err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}
	return nil
}
